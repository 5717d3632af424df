package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rlm-tools/rlm-sandbox/internal/config"
	"github.com/rlm-tools/rlm-sandbox/pkg/client"
	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"auto", KindAuto, false},
		{"daemon", KindDaemon, false},
		{"worker", KindWorker, false},
		{"direct", KindDirect, false},
		{"", KindAuto, false},
		{"cloud", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Backend = backend
	// Point at a socket nothing listens on so daemon dials fail fast.
	cfg.Daemon.SocketPath = filepath.Join(t.TempDir(), "absent.sock")
	cfg.Client.ConnectTimeout = 100 * time.Millisecond
	return cfg
}

func runSmoke(t *testing.T, sb sandbox.Sandbox) {
	t.Helper()
	defer sb.Destroy()
	if err := sb.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	res, err := sb.Execute(context.Background(), "print('ok')")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestSelectLocalBackends(t *testing.T) {
	for _, kind := range []string{"worker", "direct"} {
		t.Run(kind, func(t *testing.T) {
			sb, err := Select(testConfig(t, kind), nil, nil)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			runSmoke(t, sb)
		})
	}
}

func TestSelectDaemonRequiresDaemon(t *testing.T) {
	if _, err := Select(testConfig(t, "daemon"), nil, nil); err == nil {
		t.Fatal("daemon backend succeeded without a daemon")
	}
}

func TestSelectAutoFallsBack(t *testing.T) {
	sb, err := Select(testConfig(t, "auto"), nil, nil)
	if err != nil {
		t.Fatalf("auto backend failed instead of falling back: %v", err)
	}
	if _, ok := sb.(*client.RemoteSandbox); ok {
		t.Fatal("auto backend returned a remote sandbox with no daemon running")
	}
	runSmoke(t, sb)
}
