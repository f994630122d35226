package document

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Load reads the document at path.
func Load(path string) (*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer file.Close()

	doc, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	doc.Name = path
	return doc, nil
}

// Parse splits r into line records, keeping each terminator.
func Parse(r io.Reader) (*Document, error) {
	reader := bufio.NewReader(r)
	doc := &Document{}

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			doc.Lines = append(doc.Lines, newRecord(len(doc.Lines), line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// ParseString is Parse over an in-memory document.
func ParseString(s string) *Document {
	doc, _ := Parse(strings.NewReader(s))
	return doc
}

func newRecord(index int, line string) *LineRecord {
	eol := ""
	switch {
	case strings.HasSuffix(line, "\r\n"):
		eol = "\r\n"
	case strings.HasSuffix(line, "\n"):
		eol = "\n"
	}
	return &LineRecord{
		Index: index,
		Raw:   strings.TrimSuffix(line, eol),
		EOL:   eol,
	}
}

// Render writes every record in document order.
func Render(w io.Writer, doc *Document) error {
	bw := bufio.NewWriter(w)
	for _, line := range doc.Lines {
		if _, err := bw.WriteString(line.Output()); err != nil {
			return err
		}
		if _, err := bw.WriteString(line.EOL); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// RenderString renders doc into a string.
func RenderString(doc *Document) string {
	var buf bytes.Buffer
	_ = Render(&buf, doc)
	return buf.String()
}

// WriteFile renders doc to path through a temp file and rename.
func WriteFile(path string, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := Render(file, doc); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write output file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// CheckWritable creates path's directory and verifies a file can be created
// there, without touching path itself.
func CheckWritable(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("output directory is not writable: %w", err)
	}
	_ = probe.Close()
	return os.Remove(probe.Name())
}
