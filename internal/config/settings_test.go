package config

import "testing"

func TestBuildSettingsEmitHushKeywords(t *testing.T) {
	doc := &Document{
		Emit: "create_table, copy_from",
		Hush: "warn and version",
		Mode: "append",
	}
	s := BuildSettings(doc, false)

	if !s.EmitCreateTable || !s.EmitCopyFrom {
		t.Fatalf("expected create_table/copy_from emit flags set, got %+v", s)
	}
	if s.EmitDropTable || s.EmitStartTransaction || s.EmitTruncate {
		t.Fatalf("expected only create_table/copy_from set, got %+v", s)
	}
	if !s.HushWarning || !s.HushVersion {
		t.Fatalf("expected warn/version hush flags set, got %+v", s)
	}
	if s.HushInfo || s.HushNotice {
		t.Fatalf("expected info/notice hush flags clear, got %+v", s)
	}
	if s.FileMode != "append" {
		t.Fatalf("FileMode = %q, want 'append'", s.FileMode)
	}
}

func TestBuildSettingsEmitCopyFromImpliedByAnyEmitKeyword(t *testing.T) {
	doc := &Document{Emit: "truncate"}
	s := BuildSettings(doc, false)
	if !s.EmitCopyFrom {
		t.Fatalf("expected EmitCopyFrom implied by any non-empty emit keyword, got %+v", s)
	}
}

func TestBuildSettingsProgDefaultsToTerminal(t *testing.T) {
	s := BuildSettings(&Document{}, true)
	if !s.ShowProgress {
		t.Fatalf("expected ShowProgress true when isTerminal=true and prog unset")
	}

	off := false
	s2 := BuildSettings(&Document{Prog: &off}, true)
	if s2.ShowProgress {
		t.Fatalf("expected explicit prog:false to override terminal default")
	}
}
