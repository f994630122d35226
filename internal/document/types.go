package document

// LineRecord is one line of the source document.
//
// Raw never contains the line terminator; EOL holds it so rendering
// reproduces the input byte for byte.
type LineRecord struct {
	Index int    // 0-based position in the document
	Raw   string // original line text
	EOL   string // "\n", "\r\n" or "" for an unterminated last line

	Matched    bool    // selected by the line filter and extractor
	Captured   *string // text sent for translation
	Translated *string // reinjected result, nil until a successful round trip

	// SpanStart/SpanEnd delimit the byte range of Raw that reinjection replaces;
	// GroupStart/GroupEnd delimit the captured text inside it.
	SpanStart  int
	SpanEnd    int
	GroupStart int
	GroupEnd   int
}

// Candidate reports whether the record still carries text to translate.
func (r *LineRecord) Candidate() bool {
	return r.Matched && r.Captured != nil
}

// Demote removes the record from translation; it will be emitted unchanged.
func (r *LineRecord) Demote() {
	r.Matched = false
	r.Captured = nil
	r.SpanStart, r.SpanEnd = 0, 0
	r.GroupStart, r.GroupEnd = 0, 0
}

// Capture marks Raw[start:end] as the translatable content. The replaced span
// defaults to the same range; see SetSpan.
func (r *LineRecord) Capture(start, end int) {
	text := r.Raw[start:end]
	r.Captured = &text
	r.GroupStart, r.GroupEnd = start, end
	r.SpanStart, r.SpanEnd = start, end
}

// SetSpan widens the replaced region around the captured text.
func (r *LineRecord) SetSpan(start, end int) {
	r.SpanStart, r.SpanEnd = start, end
}

// Output returns the line as it should be written, without the terminator.
func (r *LineRecord) Output() string {
	if r.Translated != nil {
		return *r.Translated
	}
	return r.Raw
}

// Document is an ordered list of line records loaded from one file.
type Document struct {
	Name  string
	Lines []*LineRecord
}

// Candidates returns the records still selected for translation, in order.
func (d *Document) Candidates() []*LineRecord {
	ret := make([]*LineRecord, 0, len(d.Lines))
	for _, line := range d.Lines {
		if line.Candidate() {
			ret = append(ret, line)
		}
	}
	return ret
}
