package auth

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "daemon.token")

	token, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(token) != TokenBytes*2 {
		t.Fatalf("token length = %d, want %d", len(token), TokenBytes*2)
	}

	if err := Write(path, token); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != token {
		t.Errorf("Read = %q, want %q", got, token)
	}
}

func TestGenerateUnique(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()
	if a == b {
		t.Fatal("two generated tokens are identical")
	}
}

func TestReadMissingOrMalformed(t *testing.T) {
	dir := t.TempDir()

	if _, err := Read(filepath.Join(dir, "absent")); !errors.Is(err, ErrNoToken) {
		t.Errorf("missing file: err = %v, want ErrNoToken", err)
	}

	short := filepath.Join(dir, "short")
	if err := Write(short, "abcdef"); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(short); !errors.Is(err, ErrNoToken) {
		t.Errorf("short token: err = %v, want ErrNoToken", err)
	}

	nonhex := filepath.Join(dir, "nonhex")
	if err := Write(nonhex, strings.Repeat("z", TokenBytes*2)); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(nonhex); !errors.Is(err, ErrNoToken) {
		t.Errorf("non-hex token: err = %v, want ErrNoToken", err)
	}
}

func TestEqual(t *testing.T) {
	token, _ := Generate()
	if !Equal(token, token) {
		t.Error("token should equal itself")
	}

	other := []byte(token)
	other[0] ^= 1
	if Equal(token, string(other)) {
		t.Error("tokens differing in one byte compared equal")
	}

	if Equal(token, token[:10]) {
		t.Error("length mismatch compared equal")
	}
	if Equal("", "") {
		t.Error("empty tokens must never authenticate")
	}
}
