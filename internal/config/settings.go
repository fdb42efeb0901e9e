package config

import "strings"

// Settings is the run-wide, read-only configuration derived from the
// document's top-level keys: emit/hush keyword scanning, file mode, the
// skip path, and progress reporting (§4.7, §6). It is passed down through
// table construction and the transform FSM; see design notes §9
// "Global-ish settings".
type Settings struct {
	FileMode string
	Skip     string
	Cond     string

	EmitStartTransaction bool
	EmitDropTable        bool
	EmitCreateTable      bool
	EmitTruncate         bool
	EmitCopyFrom         bool

	HushVersion bool
	HushInfo    bool
	HushNotice  bool
	HushWarning bool

	ShowProgress bool
}

// BuildSettings derives the run Settings from the document's free-text
// 'emit'/'hush'/'mode'/'prog' fields. isTerminal reports whether standard
// output is a terminal, used as the 'prog' default when the document does
// not set it explicitly (§6).
func BuildSettings(doc *Document, isTerminal bool) Settings {
	emit := doc.Emit
	hush := doc.Hush

	anyEmit := strings.Contains(emit, emitCopyFrom) || strings.Contains(emit, emitCreateTable) ||
		strings.Contains(emit, emitStartTrans) || strings.Contains(emit, emitTruncate) ||
		strings.Contains(emit, emitDropTable)

	mode := doc.Mode
	if mode == "" {
		mode = "truncate"
	}

	showProgress := isTerminal
	if doc.Prog != nil {
		showProgress = *doc.Prog
	}

	return Settings{
		FileMode:             mode,
		Skip:                 doc.Skip,
		Cond:                 doc.Cond,
		EmitStartTransaction: strings.Contains(emit, emitStartTrans),
		EmitDropTable:        strings.Contains(emit, emitDropTable),
		EmitCreateTable:      strings.Contains(emit, emitCreateTable),
		EmitTruncate:         strings.Contains(emit, emitTruncate),
		EmitCopyFrom:         anyEmit,
		HushVersion:          strings.Contains(hush, hushVersion),
		HushInfo:             strings.Contains(hush, hushInfo),
		HushNotice:           strings.Contains(hush, hushNotice),
		HushWarning:          strings.Contains(hush, hushWarning),
		ShowProgress:         showProgress,
	}
}
