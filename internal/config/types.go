// Package config loads the declarative table-tree document: the YAML
// mapping of XML paths to output columns, subtables, and the
// preamble/normalization options described by the specification.
package config

// Document is the top-level configuration document (the main table plus
// its global run settings).
type Document struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	File string `yaml:"file"`
	Mode string `yaml:"mode"`
	Emit string `yaml:"emit"`
	Hush string `yaml:"hush"`
	Skip string `yaml:"skip"`
	Prog *bool  `yaml:"prog"`

	// Cond is an optional govaluate boolean expression, evaluated once a
	// main-table row's columns are assembled; a false result or an
	// evaluation error filters the row exactly like a failing incl/excl
	// regex. This is additive to spec.md (see SPEC_FULL.md §C.2).
	Cond string `yaml:"cond"`

	Cols []ColumnSpec `yaml:"cols"`
}

// ColumnSpec is one entry of a 'cols' array, for either the main table or
// any nested subtable.
type ColumnSpec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Type string `yaml:"type"`
	Attr string `yaml:"attr"`
	Seri bool   `yaml:"seri"`
	Conv string `yaml:"conv"`
	Incl string `yaml:"incl"`
	Excl string `yaml:"excl"`
	Find string `yaml:"find"`
	Repl string `yaml:"repl"`
	Aggr string `yaml:"aggr"`
	Trim bool   `yaml:"trim"`
	Hide bool   `yaml:"hide"`
	BBox string `yaml:"bbox"`
	Mult bool   `yaml:"mult"`

	Cols []ColumnSpec `yaml:"cols"`
	File string       `yaml:"file"`
	Norm string       `yaml:"norm"`
}

// Known 'conv' and 'aggr' values (§4.7).
const (
	ConvXMLToText  = "xml-to-text"
	ConvGMLToEWKB  = "gml-to-ewkb"
	ConvConcatText = "concat-text"
)

var knownConv = []string{ConvXMLToText, ConvGMLToEWKB, ConvConcatText}

const (
	AggrFirst  = "first"
	AggrLast   = "last"
	AggrAppend = "append"
)

var knownAggr = []string{AggrFirst, AggrLast, AggrAppend}

// Emit and hush are free-text fields scanned for keyword substrings,
// exactly as the original tool does (SPEC_FULL.md §D.4).
const (
	emitStartTrans   = "start_trans"
	emitDropTable    = "drop_table"
	emitCreateTable  = "create_table"
	emitTruncate     = "truncate"
	emitCopyFrom     = "copy_from"
	hushVersion      = "version"
	hushInfo         = "info"
	hushNotice       = "notice"
	hushWarning      = "warn"
)
