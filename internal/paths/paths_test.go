package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayout(t *testing.T) {
	base := "/tmp/pigeon-test"
	if got := DBPath(base); got != filepath.Join(base, "pigeon.db") {
		t.Errorf("DBPath = %q", got)
	}
	if got := ConfigPath(base); got != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath = %q", got)
	}
	if got := LogPath(base); got != filepath.Join(base, "logs", "pigeond.log") {
		t.Errorf("LogPath = %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	base := filepath.Join(t.TempDir(), "data")
	if err := EnsureDirs(base); err != nil {
		t.Fatal(err)
	}

	for _, d := range []string{base, LogDir(base)} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}
