package tabletree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xml2pg/internal/config"
)

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %q: %v", path, err)
	}
	return string(data)
}

func TestBuildOneToManySubtable(t *testing.T) {
	dir := t.TempDir()
	doc := &config.Document{
		Name: "widgets",
		Path: "/root/widget",
		File: filepath.Join(dir, "widgets.tsv"),
		Emit: "create_table",
		Cols: []config.ColumnSpec{
			{Name: "id", Path: "id", Seri: true, Type: "integer"},
			{
				Name: "tags", Type: "text", Path: "tag",
				File: filepath.Join(dir, "tags.tsv"),
				Cols: []config.ColumnSpec{{Name: "tag", Path: ".", Type: "text"}},
			},
		},
	}

	tree, err := Build(doc, false, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	sub := tree.Main.Columns[1].Subtable
	if sub == nil {
		t.Fatal("expected subtable to be built")
	}
	if sub.Cardinality != CardinalityOneToMany {
		t.Fatalf("Cardinality = %v, want CardinalityOneToMany", sub.Cardinality)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out := mustRead(t, filepath.Join(dir, "tags.tsv"))
	if !strings.Contains(out, "CREATE TABLE IF NOT EXISTS tags (widgets integer, tag text);") {
		t.Fatalf("tags.tsv preamble missing expected fragment, got %q", out)
	}
}

func TestBuildManyToManySubtableQualifiesTableName(t *testing.T) {
	dir := t.TempDir()
	doc := &config.Document{
		Name: "widgets",
		Path: "/root/widget",
		File: filepath.Join(dir, "widgets.tsv"),
		Emit: "create_table",
		Cols: []config.ColumnSpec{
			{Name: "id", Path: "id", Seri: true, Type: "integer"},
			{
				Name: "tags", Type: "text", Path: "tag",
				File: filepath.Join(dir, "tags.tsv"),
				Norm: filepath.Join(dir, "tags_domain.tsv"),
				Cols: []config.ColumnSpec{{Name: "tag", Path: ".", Type: "text"}},
			},
		},
	}

	tree, err := Build(doc, false, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	sub := tree.Main.Columns[1].Subtable
	if sub.Cardinality != CardinalityManyToMany {
		t.Fatalf("Cardinality = %v, want CardinalityManyToMany", sub.Cardinality)
	}
	if tree.Main.Columns[1].Domain == nil {
		t.Fatal("expected a Domain to be attached to the many-to-many column")
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out := mustRead(t, filepath.Join(dir, "tags.tsv"))
	if !strings.Contains(out, "CREATE TABLE IF NOT EXISTS widgets_tags (widgets integer, tags text);") {
		t.Fatalf("tags.tsv preamble missing expected fragment, got %q", out)
	}
}

func TestBuildManyToOneSubtableHasNoPreambleOrEpilogue(t *testing.T) {
	dir := t.TempDir()
	doc := &config.Document{
		Name: "widgets",
		Path: "/root/widget",
		File: filepath.Join(dir, "widgets.tsv"),
		Emit: "create_table, copy_from",
		Cols: []config.ColumnSpec{
			{Name: "id", Path: "id", Seri: true, Type: "integer"},
			{
				Name: "owner", Type: "text", Path: "owner",
				Norm: filepath.Join(dir, "owners.tsv"),
				Cols: []config.ColumnSpec{
					{Name: "first", Path: "first", Type: "text"},
					{Name: "last", Path: "last", Type: "text"},
				},
			},
		},
	}

	tree, err := Build(doc, false, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	sub := tree.Main.Columns[1].Subtable
	if sub.Cardinality != CardinalityManyToOne {
		t.Fatalf("Cardinality = %v, want CardinalityManyToOne", sub.Cardinality)
	}
	if sub.emit != (EmitFlags{}) {
		t.Fatalf("many-to-one subtable emit flags = %+v, want zero value (it never emits a row of its own)", sub.emit)
	}
	if tree.Main.Columns[1].Domain == nil {
		t.Fatal("expected a Domain to be attached to the many-to-one column")
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// owners.tsv is the Domain's own lookup table's sink, genuinely
	// opened for a real COPY stream, so its preamble/epilogue pairing is
	// legitimate -- unlike the many-to-one subtable's own (unused) sink,
	// which must carry neither.
	out := mustRead(t, filepath.Join(dir, "owners.tsv"))
	if !strings.Contains(out, "CREATE TABLE IF NOT EXISTS owner_domain (id integer, first text, last text);") {
		t.Fatalf("owners.tsv missing expected domain lookup table preamble, got %q", out)
	}
	if !strings.Contains(out, "\\.") {
		t.Fatalf("owners.tsv missing its own legitimate COPY epilogue, got %q", out)
	}
}

func TestBuildSubtableAsFirstColumnRejected(t *testing.T) {
	doc := &config.Document{
		Name: "widgets",
		Path: "/root/widget",
		Cols: []config.ColumnSpec{
			{
				Name: "tags", Type: "text", Path: "tag",
				File: filepath.Join(t.TempDir(), "tags.tsv"),
				Cols: []config.ColumnSpec{{Name: "tag", Path: ".", Type: "text"}},
			},
		},
	}
	if _, err := Build(doc, false, nil); err == nil {
		t.Fatal("Build() error = nil, want error for subtable as first column")
	}
}

func TestBuildInvalidCondExpression(t *testing.T) {
	doc := &config.Document{
		Name: "widgets",
		Path: "/root/widget",
		Cond: "this is not an expression (",
		Cols: []config.ColumnSpec{{Name: "id", Path: "id", Type: "text"}},
	}
	if _, err := Build(doc, false, nil); err == nil {
		t.Fatal("Build() error = nil, want error for invalid cond expression")
	}
}
