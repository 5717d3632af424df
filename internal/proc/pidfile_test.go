package proc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "daemon.pid")

	if err := WritePID(path); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := RemovePID(path); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if _, err := ReadPID(path); !errors.Is(err, ErrNoPID) {
		t.Errorf("after remove: err = %v, want ErrNoPID", err)
	}
	// Removing again is not an error.
	if err := RemovePID(path); err != nil {
		t.Errorf("second RemovePID: %v", err)
	}
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"garbage", "not-a-pid\n"},
		{"negative", "-5\n"},
		{"zero", "0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "daemon.pid")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadPID(path); !errors.Is(err, ErrNoPID) {
				t.Errorf("err = %v, want ErrNoPID", err)
			}
		})
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("current process reported dead")
	}
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pids reported alive")
	}
}
