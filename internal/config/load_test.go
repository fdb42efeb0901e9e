package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadSuccess(t *testing.T) {
	path := writeTempConfig(t, `
name: widgets
path: /root/widget
cols:
  - name: id
    path: id
    seri: true
  - name: label
    path: label
`)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if doc.Name != "widgets" || doc.Path != "/root/widget" {
		t.Fatalf("Load() doc = %+v, unexpected name/path", doc)
	}
	if doc.Mode != "truncate" {
		t.Fatalf("Load() doc.Mode = %q, want default 'truncate'", doc.Mode)
	}
	if len(doc.Cols) != 2 || doc.Cols[1].Type != "text" {
		t.Fatalf("Load() did not apply column type default: %+v", doc.Cols)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "name: [unterminated")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeTempConfig(t, `
name: widgets
cols: []
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want validation error for missing path/cols")
	}
	if !strings.Contains(err.Error(), "path") {
		t.Fatalf("Load() error = %v, want mention of missing 'path'", err)
	}
}

func TestLoadNestedColumnDefaults(t *testing.T) {
	path := writeTempConfig(t, `
name: widgets
path: /root/widget
cols:
  - name: tags
    path: tag
    file: tags.tsv
    cols:
      - name: tag
        path: .
`)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if doc.Cols[0].Cols[0].Type != "text" {
		t.Fatalf("nested column type default not applied: %+v", doc.Cols[0].Cols[0])
	}
}
