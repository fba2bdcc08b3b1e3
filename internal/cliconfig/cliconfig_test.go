package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Name != "" || d.Color != "" || d.LogLevel != "" {
		t.Errorf("Defaults = %+v, want zero value", d)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	content := "name: office-monitor\ncolor: \"#ff0000\"\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Name != "office-monitor" || d.Color != "#ff0000" || d.LogLevel != "debug" {
		t.Errorf("Defaults = %+v", d)
	}
}
