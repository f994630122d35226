package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MimeLyc/lottr/internal/llm"
)

const defaultSystemPrompt = `You are a professional translator. Translate every numbered line from $from to $to.
Reply with exactly one line per input line, keeping the "(n) " marker of each line.
Do not merge, split, explain or skip lines.`

// Builder turns a batch of captured texts into chat messages.
type Builder struct {
	preamble []llm.Message
}

// Load reads a prompt template: a JSON array of chat messages prepended to
// every request. An empty path selects the built-in prompt. "$from" and "$to"
// in message content are replaced with the languages' English names.
func Load(path string, from, to language.Tag) (*Builder, error) {
	var preamble []llm.Message
	if path == "" {
		preamble = []llm.Message{{Role: "system", Content: defaultSystemPrompt}}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt file: %w", err)
		}
		if err := json.Unmarshal(data, &preamble); err != nil {
			return nil, fmt.Errorf("prompt file %s is not a JSON message list: %w", path, err)
		}
		for i, m := range preamble {
			if m.Role == "" {
				return nil, fmt.Errorf("prompt file %s: message #%d has no role", path, i+1)
			}
		}
	}

	replacer := strings.NewReplacer("$from", LanguageName(from), "$to", LanguageName(to))
	for i := range preamble {
		preamble[i].Content = replacer.Replace(preamble[i].Content)
	}
	return &Builder{preamble: preamble}, nil
}

// New builds a Builder from in-memory messages, used as is.
func New(preamble []llm.Message) *Builder {
	return &Builder{preamble: preamble}
}

// Messages returns the preamble followed by the numbered batch as one user message.
func (b *Builder) Messages(texts []string) []llm.Message {
	messages := make([]llm.Message, 0, len(b.preamble)+1)
	messages = append(messages, b.preamble...)
	return append(messages, llm.Message{Role: "user", Content: NumberedList(texts)})
}

// NumberedList renders texts as "(1) a\n(2) b\n".
func NumberedList(texts []string) string {
	var sb strings.Builder
	for i, text := range texts {
		sb.WriteString("(")
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(") ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// LanguageName returns the English display name of tag, e.g. "Japanese".
func LanguageName(tag language.Tag) string {
	if tag == language.Und {
		return "the source language"
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return tag.String()
}
