package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path, adding one when path has none.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	if lastDot := strings.LastIndex(filename, "."); lastDot > 0 {
		filename = filename[:lastDot]
	}
	return filepath.Join(dir, filename+ext)
}

// WithSuffix inserts suffix before the extension: a/b.txt + "translated" = a/b.translated.txt.
func WithSuffix(path, suffix string) string {
	if path == "" {
		return path
	}
	ext := filepath.Ext(filepath.Base(path))
	if ext == filepath.Base(path) {
		ext = ""
	}
	return ReplaceExt(path, "."+suffix+ext)
}

// OutputPath is the default translated document path for input.
func OutputPath(input string) string {
	return WithSuffix(input, "translated")
}

// ReportPath is the default run report path for input: <input>.report.json.
func ReportPath(input string) string {
	if input == "" {
		return input
	}
	return input + ".report.json"
}
