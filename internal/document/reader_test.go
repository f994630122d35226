package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_KeepsTerminators(t *testing.T) {
	t.Parallel()

	input := "a\r\nb\n\nlast"
	doc := ParseString(input)

	require.Len(t, doc.Lines, 4)
	assert.Equal(t, "a", doc.Lines[0].Raw)
	assert.Equal(t, "\r\n", doc.Lines[0].EOL)
	assert.Equal(t, "b", doc.Lines[1].Raw)
	assert.Equal(t, "", doc.Lines[2].Raw)
	assert.Equal(t, "\n", doc.Lines[2].EOL)
	assert.Equal(t, "last", doc.Lines[3].Raw)
	assert.Equal(t, "", doc.Lines[3].EOL)
	for i, line := range doc.Lines {
		assert.Equal(t, i, line.Index)
	}

	assert.Equal(t, input, RenderString(doc))
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	doc := ParseString("")
	assert.Empty(t, doc.Lines)
	assert.Equal(t, "", RenderString(doc))
}

func TestRender_UsesTranslation(t *testing.T) {
	t.Parallel()

	doc := ParseString("keep\nswap\n")
	translated := "swapped"
	doc.Lines[1].Translated = &translated

	assert.Equal(t, "keep\nswapped\n", RenderString(doc))
}

func TestLineRecord_CaptureAndDemote(t *testing.T) {
	t.Parallel()

	rec := &LineRecord{Raw: `k: "v"`, Matched: true}
	rec.Capture(4, 5)
	rec.SetSpan(1, 6)
	assert.True(t, rec.Candidate())
	assert.Equal(t, "v", *rec.Captured)
	assert.Equal(t, 1, rec.SpanStart)
	assert.Equal(t, 4, rec.GroupStart)

	rec.Demote()
	assert.False(t, rec.Candidate())
	assert.Nil(t, rec.Captured)
}

func TestLoadAndWriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("one\ntwo\n"), 0o644))

	doc, err := Load(src)
	require.NoError(t, err)
	assert.Equal(t, src, doc.Name)
	require.Len(t, doc.Lines, 2)

	dst := filepath.Join(dir, "out.txt")
	require.NoError(t, WriteFile(dst, doc))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	_, err = Load(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestWriteFile_CreatesParentDirs(t *testing.T) {
	t.Parallel()

	doc := ParseString("one\n")

	dst := filepath.Join(t.TempDir(), "a", "b", "out.txt")
	require.NoError(t, WriteFile(dst, doc))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(data))
}

func TestCheckWritable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	nested := filepath.Join(dir, "new", "out.txt")
	require.NoError(t, CheckWritable(nested))
	entries, err := os.ReadDir(filepath.Dir(nested))
	require.NoError(t, err)
	assert.Empty(t, entries, "the check leaves nothing behind")

	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	assert.Error(t, CheckWritable(filepath.Join(blocker, "out.txt")))
}
