package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/botwire/internal/testutil/testlog"
)

func TestWriteThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := run([]string{"--output", path}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run([]string{"--validate", "--input", path}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("hid_port = 99999\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run([]string{"--validate", "--input", path}); err == nil {
		t.Fatalf("expected validation error")
	}
}
