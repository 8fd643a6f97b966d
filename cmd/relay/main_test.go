package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "Relay") {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"--help"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "serve") {
		t.Errorf("usage output = %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"bogus"}); err == nil {
		t.Fatal("unknown command should fail")
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "providers:") {
		t.Errorf("written config missing providers section")
	}

	// A second init must refuse to overwrite.
	if err := run(context.Background(), &stdout, &stderr, []string{"init", dir}); err == nil {
		t.Error("init over an existing config should fail")
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", "/nonexistent/config.yaml", "serve"})
	if err == nil {
		t.Fatal("serve with a missing config should fail")
	}
}
