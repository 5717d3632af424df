package sandbox

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// captureBuffer accumulates interpreter output up to a rune cap. Counting in
// runes keeps truncation from splitting a UTF-8 sequence, so captured output
// stays valid for JSON transport.
type captureBuffer struct {
	limit   int
	buf     strings.Builder
	written int
	omitted int
}

func newCaptureBuffer(limit int) *captureBuffer {
	return &captureBuffer{limit: limit}
}

func (b *captureBuffer) WriteString(s string) {
	if b.omitted > 0 {
		b.omitted += utf8.RuneCountInString(s)
		return
	}
	n := utf8.RuneCountInString(s)
	remaining := b.limit - b.written
	if n <= remaining {
		b.buf.WriteString(s)
		b.written += n
		return
	}
	taken := 0
	for i := range s {
		if taken == remaining {
			b.buf.WriteString(s[:i])
			break
		}
		taken++
	}
	b.written += remaining
	b.omitted = n - remaining
}

// String returns the captured output with an explicit omission marker when
// the cap was hit.
func (b *captureBuffer) String() string {
	if b.omitted == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n... [%d chars omitted]", b.buf.String(), b.omitted)
}

func (b *captureBuffer) Reset() {
	b.buf.Reset()
	b.written = 0
	b.omitted = 0
}
