package tabletree

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Knetic/govaluate"

	"xml2pg/internal/pathtrack"
)

// Sink is the destination a Table's writer goroutine drains text chunks
// into: an output file, standard output, or (see postgres_sink.go) a
// Postgres target that stages the text and sends it as one script on Close.
type Sink interface {
	io.Writer
	Close() error
}

type nopCloseWriter struct{ io.Writer }

func (nopCloseWriter) Close() error { return nil }

// StdoutSink wraps os.Stdout as a Sink that ignores Close.
func StdoutSink() Sink { return nopCloseWriter{os.Stdout} }

// FileSink opens path per the configured file mode ("truncate" creates/
// truncates, "append" creates-or-appends). Any other mode is a
// configuration error.
func FileSink(path, mode string) (Sink, error) {
	switch mode {
	case "", "truncate":
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file '%s': %w", path, err)
		}
		return f, nil
	case "append":
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output file '%s': %w", path, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("invalid 'mode' setting in configuration file: %s", mode)
	}
}

// EmitFlags gates the SQL preamble/epilogue fragments a Table writes
// around its data rows, derived from the configuration's free-text 'emit'
// field (see internal/config).
type EmitFlags struct {
	StartTransaction bool
	DropTable        bool
	CreateTable      bool
	Truncate         bool
	CopyFrom         bool
}

// Table owns a set of Columns, an output Sink, and the bounded-channel
// writer goroutine that drains rows to it. LastID holds column 0's value
// for the current row, as text, set as soon as column 0 is assigned (or,
// for a Domain-backed subtable, the resolved surrogate id once its row
// closes), for use as a foreign key by a subtable.
type Table struct {
	Name        string
	Path        string
	Columns     []Column
	Cardinality Cardinality
	LastID      string

	// Domain, when set, normalizes this table's own composite row (a
	// subtable under many-to-one or many-to-many cardinality) into a
	// surrogate id written back to the parent.
	Domain *Domain

	// Cond is an optional row filter expression evaluated over the
	// table's assembled column values by name, in addition to any
	// per-column include/exclude regex. This is additive to the column
	// filtering model; see SPEC_FULL.md §C.2.
	Cond *govaluate.EvaluableExpression

	sink  Sink
	ch    chan string
	done  chan struct{}
	fatal func(error)
	emit  EmitFlags
}

// NewTable constructs a Table and starts its writer goroutine. Cardinality
// CardinalityNone suppresses all SQL preamble/epilogue emission regardless
// of emit, matching a Domain table built without its own relational
// identity.
func NewTable(name, path string, sink Sink, cardinality Cardinality, emit EmitFlags, fatal func(error)) *Table {
	if cardinality == CardinalityNone {
		emit = EmitFlags{}
	}
	t := &Table{
		Name:        name,
		Path:        pathtrack.Normalize(path),
		Cardinality: cardinality,
		sink:        sink,
		ch:          make(chan string, 100),
		done:        make(chan struct{}),
		fatal:       fatal,
		emit:        emit,
	}
	go t.run()
	return t
}

func (t *Table) run() {
	defer close(t.done)
	for chunk := range t.ch {
		if chunk == "" {
			return
		}
		if _, err := io.WriteString(t.sink, chunk); err != nil {
			if t.fatal != nil {
				t.fatal(fmt.Errorf("IO error encountered while writing table '%s': %w", t.Name, err))
			}
			return
		}
	}
}

// Enqueue hands a text chunk to the writer goroutine, blocking when its
// channel (capacity 100) is full. Empty chunks are dropped rather than
// being mistaken for the shutdown sentinel.
func (t *Table) Enqueue(s string) {
	if s == "" {
		return
	}
	t.ch <- s
}

// ClearColumns resets every column's row accumulator, used after a row is
// emitted or a filtered row is discarded.
func (t *Table) ClearColumns() {
	for i := range t.Columns {
		t.Columns[i].Clear()
	}
}

// EvaluateRow marks every column whose value was observed this row as
// Used, then reports whether the row should be filtered per any
// include/exclude regex on its columns, or per the table's Cond
// expression (if set) evaluated over the row's column values by name.
func (t *Table) EvaluateRow() bool {
	filtered := false
	params := make(map[string]interface{}, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if !c.Used && c.Value != "" {
			c.Used = true
		}
		if c.Include != nil && !c.Include.MatchString(c.Value) {
			filtered = true
		}
		if c.Exclude != nil && c.Exclude.MatchString(c.Value) {
			filtered = true
		}
		params[c.Name] = c.Value
	}
	if t.Cond != nil {
		result, err := t.Cond.Evaluate(params)
		if err != nil {
			filtered = true
		} else if ok, isBool := result.(bool); !isBool || !ok {
			filtered = true
		}
	}
	return filtered
}

// AssembleFields renders this table's visible columns (skipping hidden
// columns and one-to-many/many-to-many subtable columns, which are
// emitted separately) for one output row, resolving any per-column
// Domain and substituting the SQL NULL literal for an empty value. A
// many-to-one subtable column's Value is already a domain-resolved
// surrogate id by the time its row closes (see writeBackToParent); only
// a plain column's own 'norm' target still needs resolving here.
func (t *Table) AssembleFields() []string {
	fields := make([]string, 0, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Hide {
			continue
		}
		if c.Subtable != nil && c.Subtable.Cardinality != CardinalityManyToOne {
			continue
		}
		switch {
		case c.Value == "":
			fields = append(fields, `\N`)
		case c.Domain != nil && c.Subtable == nil:
			fields = append(fields, c.Domain.ResolveValue(c.Value))
		default:
			fields = append(fields, c.Value)
		}
	}
	return fields
}

// EmitRow writes one assembled row, optionally prefixed with a parent
// foreign-key field, to the table's buffer and clears the row
// accumulators.
func (t *Table) EmitRow(fkeyPrefix string) {
	fields := t.AssembleFields()
	var line strings.Builder
	if fkeyPrefix != "" {
		line.WriteString(fkeyPrefix)
		line.WriteByte('\t')
	}
	line.WriteString(strings.Join(fields, "\t"))
	line.WriteByte('\n')
	t.Enqueue(line.String())
	t.ClearColumns()
}

// CheckColumnsUsed recurses the table tree, calling warnf once for every
// column that matched no value during the run.
func (t *Table) CheckColumnsUsed(warnf func(tableName, colName string)) {
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Subtable != nil {
			c.Subtable.CheckColumnsUsed(warnf)
			continue
		}
		if !c.Used {
			warnf(t.Name, c.Name)
		}
	}
}

// qualifiedName returns the table's SQL name, which for a many-to-many
// subtable is "<parent>_<name>" rather than its own configured name.
func (t *Table) qualifiedName(fkeySpec string) string {
	if t.Cardinality == CardinalityManyToMany {
		parent, _, _ := strings.Cut(fkeySpec, " ")
		return parent + "_" + t.Name
	}
	return t.Name
}

// EmitPreamble writes the configured SQL preamble fragments (start
// transaction, drop table, create table, truncate, copy-from) in spec
// order. fkeySpec is "<name> <datatype>" for the parent foreign key column
// of a subtable, or empty for the main table.
func (t *Table) EmitPreamble(fkeySpec string) {
	var buf strings.Builder
	if t.emit.StartTransaction {
		buf.WriteString("START TRANSACTION;\n")
	}
	if t.emit.DropTable {
		fmt.Fprintf(&buf, "DROP TABLE IF EXISTS %s;\n", t.qualifiedName(fkeySpec))
	}
	if t.emit.CreateTable {
		t.writeCreateTable(&buf, fkeySpec)
	}
	if t.emit.Truncate {
		fmt.Fprintf(&buf, "TRUNCATE %s;\n", t.qualifiedName(fkeySpec))
	}
	if t.emit.CopyFrom {
		t.writeCopyFrom(&buf, fkeySpec)
	}
	if buf.Len() > 0 {
		t.Enqueue(buf.String())
	}
}

func (t *Table) visibleColumnNames() []string {
	var names []string
	for _, c := range t.Columns {
		if c.Hide {
			continue
		}
		if c.Subtable != nil && c.Subtable.Cardinality != CardinalityManyToOne {
			continue
		}
		names = append(names, c.Name)
	}
	return names
}

func (t *Table) writeCreateTable(buf *strings.Builder, fkeySpec string) {
	if t.Cardinality == CardinalityManyToMany {
		parent, _, _ := strings.Cut(fkeySpec, " ")
		dt := "integer"
		if len(t.Columns) > 0 {
			dt = t.Columns[0].Datatype
		}
		fmt.Fprintf(buf, "CREATE TABLE IF NOT EXISTS %s_%s (%s, %s %s);\n", parent, t.Name, fkeySpec, t.Name, dt)
		return
	}
	var specs []string
	for _, c := range t.Columns {
		if c.Hide {
			continue
		}
		if c.Subtable != nil && c.Subtable.Cardinality != CardinalityManyToOne {
			continue
		}
		specs = append(specs, c.Name+" "+c.Datatype)
	}
	colSpec := strings.Join(specs, ", ")
	if fkeySpec != "" {
		colSpec = fkeySpec + ", " + colSpec
	}
	fmt.Fprintf(buf, "CREATE TABLE IF NOT EXISTS %s (%s);\n", t.Name, colSpec)
}

func (t *Table) writeCopyFrom(buf *strings.Builder, fkeySpec string) {
	if t.Cardinality == CardinalityManyToMany {
		parent, _, _ := strings.Cut(fkeySpec, " ")
		fmt.Fprintf(buf, "COPY %s_%s (%s, %s) FROM stdin;\n", parent, t.Name, parent, t.Name)
		return
	}
	colList := strings.Join(t.visibleColumnNames(), ", ")
	if fkeySpec != "" {
		fkeyName, _, _ := strings.Cut(fkeySpec, " ")
		fmt.Fprintf(buf, "COPY %s (%s, %s) FROM stdin;\n", t.Name, fkeyName, colList)
	} else {
		fmt.Fprintf(buf, "COPY %s (%s) FROM stdin;\n", t.Name, colList)
	}
}

// Close writes any epilogue (copy terminator, commit), terminates the
// writer goroutine with the empty-string sentinel, waits for it to drain,
// and closes the sink.
func (t *Table) Close() error {
	var epilogue strings.Builder
	if t.emit.CopyFrom {
		epilogue.WriteString("\\.\n")
	}
	if t.emit.StartTransaction {
		epilogue.WriteString("COMMIT;\n")
	}
	if epilogue.Len() > 0 {
		t.Enqueue(epilogue.String())
	}
	t.ch <- ""
	<-t.done
	return t.sink.Close()
}
