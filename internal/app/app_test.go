package app

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xml2pg/internal/logging"
)

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	os.Stderr = w
	t.Cleanup(func() { os.Stderr = orig })
	fn()
	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

func withLogBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevLevel := logging.GetLevel()
	logging.SetOutput(&buf)
	t.Cleanup(func() {
		logging.SetOutput(os.Stderr)
		logging.SetLevel(prevLevel)
	})
	return &buf
}

const minimalConfig = `
name: widgets
path: /root/widget
cols:
  - {name: id, path: id, seri: true, type: integer}
  - {name: name, path: name, type: text}
`

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %q: %v", p, err)
	}
	return p
}

func TestAppRunnerUsage(t *testing.T) {
	runner := NewAppRunner()
	var buf bytes.Buffer
	runner.Usage(&buf)
	if !strings.Contains(buf.String(), "Usage:") || !strings.Contains(buf.String(), "xml2pg "+version) {
		t.Fatalf("Usage() = %q, want usage text followed by the version banner", buf.String())
	}
}

func TestAppRunnerRunHelpFlag(t *testing.T) {
	runner := NewAppRunner()
	stderr := captureStderr(t, func() {
		if err := runner.Run([]string{"-help"}); err != nil {
			t.Errorf("Run() error = %v, want nil for -help", err)
		}
	})
	if !strings.Contains(stderr, "Usage:") {
		t.Fatalf("stderr = %q, want usage text printed on -help", stderr)
	}
}

func TestAppRunnerRunInvalidFlag(t *testing.T) {
	runner := NewAppRunner()
	err := runner.Run([]string{"-not-a-real-flag"})
	if !errors.Is(err, ErrUsage) {
		t.Fatalf("Run() error = %v, want ErrUsage", err)
	}
}

func TestAppRunnerRunMissingArgs(t *testing.T) {
	runner := NewAppRunner()
	if err := runner.Run(nil); !errors.Is(err, ErrMissingArgs) {
		t.Fatalf("Run() error = %v, want ErrMissingArgs for zero positional args", err)
	}
	if err := runner.Run([]string{"a", "b", "c"}); !errors.Is(err, ErrMissingArgs) {
		t.Fatalf("Run() error = %v, want ErrMissingArgs for three positional args", err)
	}
}

func TestAppRunnerRunConfigNotFound(t *testing.T) {
	withLogBuffer(t)
	originalStat := osStatFunc
	osStatFunc = func(name string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	t.Cleanup(func() { osStatFunc = originalStat })

	runner := NewAppRunner()
	err := runner.Run([]string{"does-not-exist.yaml"})
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("Run() error = %v, want ErrConfigNotFound", err)
	}
}

func TestAppRunnerRunConfigLoadError(t *testing.T) {
	withLogBuffer(t)
	dir := t.TempDir()
	cfgPath := writeTemp(t, dir, "bad.yaml", "cols: [this is not valid yaml: [")

	runner := NewAppRunner()
	err := runner.Run([]string{cfgPath})
	if err == nil {
		t.Fatal("Run() error = nil, want a config parse error")
	}
}

func TestAppRunnerRunHappyPath(t *testing.T) {
	withLogBuffer(t)
	originalTerm := isStdoutTerminalFunc
	isStdoutTerminalFunc = func() bool { return false }
	t.Cleanup(func() { isStdoutTerminalFunc = originalTerm })

	dir := t.TempDir()
	outFile := filepath.Join(dir, "widgets.tsv")
	cfgPath := writeTemp(t, dir, "widgets.yaml", strings.Replace(minimalConfig, "cols:", "file: "+outFile+"\ncols:", 1))
	xmlPath := writeTemp(t, dir, "widgets.xml", `<root><widget><id>1</id><name>Foo</name></widget></root>`)

	runner := NewAppRunner()
	if err := runner.Run([]string{cfgPath, xmlPath}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}
	if !strings.Contains(string(out), "1\tFoo\n") {
		t.Fatalf("output = %q, want a row for the transformed widget", out)
	}
}

func TestAppRunnerRunMissingInputFile(t *testing.T) {
	withLogBuffer(t)
	dir := t.TempDir()
	outFile := filepath.Join(dir, "widgets.tsv")
	cfgPath := writeTemp(t, dir, "widgets.yaml", strings.Replace(minimalConfig, "cols:", "file: "+outFile+"\ncols:", 1))

	runner := NewAppRunner()
	err := runner.Run([]string{cfgPath, filepath.Join(dir, "missing.xml")})
	if err == nil {
		t.Fatal("Run() error = nil, want error for a missing XML input file")
	}
	if !strings.Contains(err.Error(), "failed to open input file") {
		t.Fatalf("Run() error = %v, want it to mention the input file", err)
	}
}

func TestAppRunnerRunDumpDomainsXLSX(t *testing.T) {
	withLogBuffer(t)
	dir := t.TempDir()
	outFile := filepath.Join(dir, "widgets.tsv")
	tagsFile := filepath.Join(dir, "tags.tsv")
	tagsDomain := filepath.Join(dir, "tags_domain.tsv")
	cfg := `
name: widgets
path: /root/widget
file: ` + outFile + `
cols:
  - {name: id, path: id, seri: true, type: integer}
  - name: tags
    type: text
    path: tag
    file: ` + tagsFile + `
    norm: ` + tagsDomain + `
`
	cfgPath := writeTemp(t, dir, "widgets.yaml", cfg)
	xmlPath := writeTemp(t, dir, "widgets.xml", `<root><widget><id>1</id><tag>red</tag></widget></root>`)
	xlsxPath := filepath.Join(dir, "domains.xlsx")

	runner := NewAppRunner()
	if err := runner.Run([]string{"-dump-domains-xlsx", xlsxPath, cfgPath, xmlPath}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(xlsxPath); err != nil {
		t.Fatalf("expected domain dump workbook at %q: %v", xlsxPath, err)
	}
}
