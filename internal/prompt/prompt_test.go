package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/MimeLyc/lottr/internal/llm"
)

func TestNumberedList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(1) こんにちは\n(2) さようなら\n", NumberedList([]string{"こんにちは", "さようなら"}))
	assert.Equal(t, "", NumberedList(nil))
}

func TestLoad_Default(t *testing.T) {
	t.Parallel()

	b, err := Load("", language.Japanese, language.SimplifiedChinese)
	require.NoError(t, err)

	msgs := b.Messages([]string{"a"})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Japanese")
	assert.Contains(t, msgs[0].Content, "Simplified Chinese")
	assert.NotContains(t, msgs[0].Content, "$from")
	assert.Equal(t, llm.Message{Role: "user", Content: "(1) a\n"}, msgs[1])
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.json")
	content := `[
		{"role": "system", "content": "Translate $from into $to."},
		{"role": "user", "content": "(1) はい\n"},
		{"role": "assistant", "content": "(1) Yes\n"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	b, err := Load(path, language.Japanese, language.English)
	require.NoError(t, err)

	msgs := b.Messages([]string{"いいえ"})
	require.Len(t, msgs, 4)
	assert.Equal(t, "Translate Japanese into English.", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "(1) いいえ\n", msgs[3].Content)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"), language.Und, language.English)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"role": "system"}`), 0o644))
	_, err = Load(bad, language.Und, language.English)
	assert.Error(t, err)

	noRole := filepath.Join(dir, "norole.json")
	require.NoError(t, os.WriteFile(noRole, []byte(`[{"content": "x"}]`), 0o644))
	_, err = Load(noRole, language.Und, language.English)
	assert.ErrorContains(t, err, "no role")
}

func TestMessages_DoesNotAliasPreamble(t *testing.T) {
	t.Parallel()

	b := New([]llm.Message{{Role: "system", Content: "p"}})
	first := b.Messages([]string{"a"})
	second := b.Messages([]string{"b"})
	assert.Equal(t, "(1) a\n", first[1].Content)
	assert.Equal(t, "(1) b\n", second[1].Content)
}
