package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCaptureBufferUnderLimit(t *testing.T) {
	b := newCaptureBuffer(10)
	b.WriteString("hello")
	b.WriteString("world")
	if got := b.String(); got != "helloworld" {
		t.Errorf("String() = %q", got)
	}
}

func TestCaptureBufferTruncates(t *testing.T) {
	b := newCaptureBuffer(5)
	b.WriteString("abcdefgh")
	got := b.String()
	if !strings.HasPrefix(got, "abcde") {
		t.Errorf("String() = %q, want abcde prefix", got)
	}
	if !strings.Contains(got, "[3 chars omitted]") {
		t.Errorf("String() = %q, want omission marker for 3 chars", got)
	}
}

func TestCaptureBufferCountsLateWrites(t *testing.T) {
	b := newCaptureBuffer(3)
	b.WriteString("abc")
	b.WriteString("defg")
	b.WriteString("hi")
	if !strings.Contains(b.String(), "[6 chars omitted]") {
		t.Errorf("String() = %q, want 6 chars omitted", b.String())
	}
}

func TestCaptureBufferUTF8Boundary(t *testing.T) {
	// Three runes, cap at two: the cut must land between runes.
	b := newCaptureBuffer(2)
	b.WriteString("日本語")
	got := b.String()
	prefix := strings.SplitN(got, "\n", 2)[0]
	if !utf8.ValidString(prefix) {
		t.Errorf("truncation split a UTF-8 sequence: %q", prefix)
	}
	if prefix != "日本" {
		t.Errorf("prefix = %q, want 日本", prefix)
	}
	if !strings.Contains(got, "[1 chars omitted]") {
		t.Errorf("String() = %q, want 1 char omitted", got)
	}
}

func TestCaptureBufferReset(t *testing.T) {
	b := newCaptureBuffer(3)
	b.WriteString("abcdef")
	b.Reset()
	b.WriteString("xy")
	if got := b.String(); got != "xy" {
		t.Errorf("after reset: String() = %q, want xy", got)
	}
}
