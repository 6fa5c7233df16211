package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rubiojr/swapsync/pkg/config"
)

func TestInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	var out bytes.Buffer
	if err := initConfig(path, initOptions{}, &out); err != nil {
		t.Fatalf("init: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[transport]") {
		t.Fatalf("expected the sample config, got:\n%s", data)
	}
	if err := initConfig(path, initOptions{}, &out); err == nil {
		t.Fatal("expected an error when the sample would overwrite a file")
	}
}

func TestInitWithValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	opts := initOptions{
		server: "wss://swaps.example.com/realtime",
		token:  "tok",
		userID: "u1",
		swaps:  []string{"S1", "S2"},
	}
	var out bytes.Buffer
	if err := initConfig(path, opts, &out); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), "(2 swap(s))") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != opts.server || cfg.Token != "tok" || cfg.UserID != "u1" || len(cfg.Swaps) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Transport.MaxDelay.Duration != 30*time.Second {
		t.Fatalf("expected defaults to be written, got %+v", cfg.Transport)
	}

	if err := initConfig(path, opts, &out); err == nil {
		t.Fatal("expected an error without --force")
	}
	opts.force = true
	opts.swaps = []string{"S3"}
	if err := initConfig(path, opts, &out); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if cfg, err := config.LoadConfig(path); err != nil || len(cfg.Swaps) != 1 || cfg.Swaps[0] != "S3" {
		t.Fatalf("expected overwritten swaps, got %+v (%v)", cfg, err)
	}
}

func TestInitRejectsBadServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := initConfig(path, initOptions{server: "http://example.com"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file written, got %v", err)
	}
}
