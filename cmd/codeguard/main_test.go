package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codeguard.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "codeguard:\n  monitor:\n    warning_threshold: 65\n")
	cfg, found, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found != path {
		t.Fatalf("expected %s, got %s", path, found)
	}
	if cfg.CodeGuard.Monitor.WarningThreshold != 65 || cfg.CodeGuard.Orchestrator.CriticalThreshold != 90 {
		t.Fatalf("unexpected thresholds: %+v", cfg.CodeGuard)
	}
}

func TestIncidentsListAgainstFileStore(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "codeguard:\n  incidents:\n    store:\n      mode: badger\n      badger:\n        path: "+filepath.Join(dir, "db")+"\n")

	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "incidents", "list", "--pretty=false"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("expected empty list, got %q", out.String())
	}

	cmd = rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "incidents", "resolve", "missing"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestScanRequiresSubject(t *testing.T) {
	cmd := rootCommand()
	cmd.SetArgs([]string{"scan"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--subject") {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
