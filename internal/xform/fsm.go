// Package xform drives the streaming transform: it decodes an XML
// document one token at a time, walks it against a table tree built by
// internal/tabletree, and emits one row per matched table path, exactly
// as described by the Transformer in the design notes.
package xform

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mohae/deepcopy"

	"xml2pg/internal/config"
	"xml2pg/internal/geom"
	"xml2pg/internal/logging"
	"xml2pg/internal/pathtrack"
	"xml2pg/internal/tabletree"
)

// ErrNestedDefer is returned when a row has two one-to-many/many-to-many
// subtables that both start before the row's own column 0 is known; only
// one such deferral can be outstanding at a time (see deferral).
var ErrNestedDefer = errors.New("a second subtable preceding its parent's id column is not supported")

// Result reports the counters the run accumulates, mirroring the
// completion summary the original tool prints unless hushed. FullCount,
// FilteredCount, and SkippedCount all count main-row occurrences only
// (§8 invariant 2: WrittenMainRows + FilteredCount + SkippedCount ==
// FullCount); TableRows separately counts every row actually written to
// each table (main and subtables alike), for the supplemented per-table
// summary (SPEC_FULL.md §D.2).
type Result struct {
	FullCount     int
	FilteredCount int
	SkippedCount  int
	TableRows     map[string]int
	Elapsed       time.Duration
}

// WrittenMainRows is the number of main-table rows actually emitted.
func (r Result) WrittenMainRows() int {
	return r.FullCount - r.FilteredCount - r.SkippedCount
}

// knownGMLNamespaces maps namespace URIs this tool recognizes to the
// literal "gml" prefix, reconstructing the qualified tag name Go's
// encoding/xml loses once an xmlns binding resolves it.
var knownGMLNamespaces = map[string]string{
	"http://www.opengis.net/gml":     "gml",
	"http://www.opengis.net/gml/3.2": "gml",
}

var xmlDeclAttrRE = regexp.MustCompile(`(version|encoding)\s*=\s*"([^"]*)"`)

// logXMLDecl reports the XML declaration's version/encoding, mirroring
// the original's startup "Info: reading XML version ... with encoding
// ..." line; hushing either 'version' or 'info' suppresses it, as in the
// original (both flags must be clear for it to print).
func logXMLDecl(settings config.Settings, t xml.ProcInst) {
	if t.Target != "xml" || settings.HushVersion || settings.HushInfo {
		return
	}
	version, encoding := "unknown", "unknown"
	for _, m := range xmlDeclAttrRE.FindAllStringSubmatch(string(t.Inst), -1) {
		switch m[1] {
		case "version":
			version = m[2]
		case "encoding":
			encoding = m[2]
		}
	}
	logging.Logf(logging.Info, "reading XML version %s with encoding %s", version, encoding)
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	if prefix, ok := knownGMLNamespaces[n.Space]; ok {
		return prefix + ":" + n.Local
	}
	return n.Space + ":" + n.Local
}

// frame is one open table row: either the main table (the outermost
// frame) or a subtable entered while its parent row is still open.
type frame struct {
	table     *tabletree.Table
	fkeyValue string // parent's LastID, passed down as this row's foreign key

	// parentCol is set only for a many-to-one/many-to-many subtable: the
	// owning column on the parent row that this subtable's resolved
	// value (or domain id) is written back into once the subtable row
	// closes.
	parentCol *tabletree.Column

	// skipped marks the main row frame once an element matching the
	// configured skip path has been seen; only meaningful on the
	// outermost (main table) frame.
	skipped bool

	// isMain is true only for the outermost frame (the main table's own
	// row), distinguishing it from a subtable frame for the purposes of
	// FullCount/FilteredCount/SkippedCount, which the original tracks
	// only at main-row granularity.
	isMain bool

	opens []*openCapture
}

// openCapture tracks one column whose content is being accumulated,
// spanning from the StartElement that matched its Path to the matching
// EndElement at the same tree depth.
type openCapture struct {
	col   *tabletree.Column
	depth int

	text strings.Builder

	xmlBuf *bytes.Buffer
	xmlEnc *xml.Encoder

	geo *geom.Collector
}

// deferral buffers the events of a one-to-many/many-to-many subtable whose
// row closes before its owning parent row's column 0 is assigned, and
// replays them once that parent row finalizes and its LastID is known.
// Only one deferral can be outstanding at a time: a parent row with two
// subtables that both precede its own id column is a configuration this
// tool doesn't support (see handleStart).
type deferral struct {
	owner  *tabletree.Table // parent table whose LastID this deferral is waiting on
	prefix string           // the deferred subtable's own row path
	events []xml.Token
}

func (d *deferral) active() bool { return d.owner != nil }

// inScope reports whether path falls under the subtable row (or one of its
// repeated sibling instances, which share the same path string) currently
// being buffered.
func (d *deferral) inScope(path string) bool {
	return d.owner != nil && strings.HasPrefix(path, d.prefix)
}

func (d *deferral) begin(owner *tabletree.Table, prefix string, tok xml.Token) {
	d.owner = owner
	d.prefix = prefix
	d.events = append(d.events[:0], deepcopy.Copy(tok).(xml.Token))
}

func (d *deferral) buffer(tok xml.Token) {
	d.events = append(d.events, deepcopy.Copy(tok).(xml.Token))
}

// Run decodes xmlSrc and populates tree's Table tree with rows. It does
// not close any Table or Sink; the caller closes the tree (tree.Close)
// once Run returns, whether or not an error occurred partway through.
func Run(ctx context.Context, tree *tabletree.Tree, xmlSrc io.Reader) (Result, error) {
	start := time.Now()
	dec := xml.NewDecoder(xmlSrc)

	tracker := pathtrack.New()
	var stack []*frame
	depth := 0
	var def deferral

	result := Result{TableRows: make(map[string]int)}

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to read XML token at byte offset %d: %w", dec.InputOffset(), err)
		}

		if pi, ok := tok.(xml.ProcInst); ok {
			logXMLDecl(tree.Settings, pi)
			continue
		}

		if err := step(tree, &stack, tracker, &depth, tok, &result, &def); err != nil {
			return result, fmt.Errorf("at byte offset %d: %w", dec.InputOffset(), err)
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// step advances the FSM by exactly one XML token: it maintains the path
// tracker and depth counter, then either dispatches the token to the
// active frame or, while a subtable's parent-key deferral is in scope,
// buffers it instead. The main decode loop and replayDeferred (which
// re-feeds a deferred subtable's buffered events once its parent row's
// own column 0 becomes known) both drive the FSM through this same entry
// point, so a replayed token is handled identically to a live one.
func step(tree *tabletree.Tree, stack *[]*frame, tracker *pathtrack.Tracker, depth *int, tok xml.Token, result *Result, def *deferral) error {
	switch t := tok.(type) {
	case xml.StartElement:
		*depth++
		tracker.Push(qualifiedName(t.Name))
		if def.inScope(tracker.Path()) {
			def.buffer(t)
			return nil
		}
		return handleStart(tree, stack, tracker, *depth, t, result, def)

	case xml.CharData:
		if def.inScope(tracker.Path()) {
			def.buffer(t)
			return nil
		}
		handleText(*stack, string(t))
		return nil

	case xml.EndElement:
		var err error
		if def.inScope(tracker.Path()) {
			def.buffer(t)
		} else {
			err = handleEnd(tree, stack, tracker, *depth, t, result, def)
		}
		tracker.Pop()
		*depth--
		return err
	}
	return nil
}

func handleStart(tree *tabletree.Tree, stack *[]*frame, tracker *pathtrack.Tracker, depth int, t xml.StartElement, result *Result, def *deferral) error {
	path := tracker.Path()

	if len(*stack) == 0 {
		if path == tree.Main.Path {
			f := pushFrame(stack, tree.Main, "")
			f.isMain = true
			result.FullCount++
			if tree.Settings.ShowProgress && !tree.Settings.HushInfo && result.FullCount%100000 == 0 {
				printProgress(tree.Main.Name, result)
			}
		}
		return nil
	}

	// The skip path names a suffix to ignore under the main row: once
	// seen, the rest of this row's elements are ignored (but still
	// tracked for path-balance) and the whole row is dropped at its end
	// tag, counted separately from a filtered row.
	main := (*stack)[0]
	if len(*stack) == 1 && !main.skipped && tree.Settings.Skip != "" && strings.HasSuffix(path, tree.Settings.Skip) {
		main.skipped = true
	}
	if main.skipped {
		return nil
	}

	feedNestedStart((*stack)[len(*stack)-1], depth, t)

	top := (*stack)[len(*stack)-1]

	for i := range top.table.Columns {
		c := &top.table.Columns[i]
		if c.Subtable == nil || !pathtrack.Match(path, c.Subtable.Path) {
			continue
		}
		// A one-to-many/many-to-many subtable's rows carry the parent's
		// own column 0 as a foreign key (or, for many-to-many, as the
		// junction's other half), so if that column hasn't been assigned
		// yet this subtable's whole row has to be buffered and replayed
		// once it is; a many-to-one subtable writes back into the parent
		// instead of reading from it, so it never needs to wait.
		if c.Subtable.Cardinality != tabletree.CardinalityManyToOne && top.table.LastID == "" {
			if def.active() {
				return fmt.Errorf("table '%s': subtable '%s': %w", top.table.Name, c.Subtable.Name, ErrNestedDefer)
			}
			def.begin(top.table, path, t)
			return nil
		}
		f := pushFrame(stack, c.Subtable, top.table.LastID)
		if c.Subtable.Cardinality == tabletree.CardinalityManyToOne || c.Subtable.Cardinality == tabletree.CardinalityManyToMany {
			f.parentCol = c
		}
		break
	}

	// The just-pushed subtable's own row element can itself carry an
	// attribute-sourced column (e.g. an "id" attribute on the row tag),
	// so column matching always runs against the now-current top frame,
	// not the one this StartElement was first seen against.
	top = (*stack)[len(*stack)-1]
	for i := range top.table.Columns {
		c := &top.table.Columns[i]
		if c.Subtable != nil || c.Serial {
			continue
		}
		if !pathtrack.Match(path, c.Path) {
			continue
		}
		if c.Attr != "" {
			applyAttr(top.table, i, c, t)
			continue
		}
		openColumnCapture(top, c, depth)
	}
	return nil
}

// feedNestedStart offers a StartElement nested inside an already-open
// column capture to that capture: raw markup for xml-to-text, and the
// GML structural calls (Point/LineString/Polygon/LinearRing, srsName/
// srsDimension) for gml-to-ewkb.
func feedNestedStart(f *frame, depth int, t xml.StartElement) {
	for _, oc := range f.opens {
		if depth <= oc.depth {
			continue
		}
		switch {
		case oc.xmlEnc != nil:
			_ = oc.xmlEnc.EncodeToken(t)
			_ = oc.xmlEnc.Flush()
		case oc.geo != nil:
			switch t.Name.Local {
			case "Point":
				oc.geo.StartPoint()
			case "LineString":
				oc.geo.StartLineString()
			case "Polygon":
				oc.geo.StartPolygon()
			case "LinearRing", "exterior", "interior":
				oc.geo.StartLinearRing()
			}
			for _, a := range t.Attr {
				switch a.Name.Local {
				case "srsName":
					if err := oc.geo.SetSRID(a.Value); err != nil {
						logging.Logf(logging.Warning, "column '%s': %v", oc.col.Name, err)
					}
				case "srsDimension":
					if err := oc.geo.SetDims(a.Value); err != nil {
						logging.Logf(logging.Warning, "column '%s': %v", oc.col.Name, err)
					}
				}
			}
		}
	}
}

// feedNestedEnd mirrors feedNestedStart for EndElement tokens, needed
// only by the xml-to-text raw-markup capture.
func feedNestedEnd(f *frame, depth int, t xml.EndElement) {
	for _, oc := range f.opens {
		if depth <= oc.depth || oc.xmlEnc == nil {
			continue
		}
		_ = oc.xmlEnc.EncodeToken(t)
		_ = oc.xmlEnc.Flush()
	}
}

// printProgress writes the original's "\rInfo: [name] N rows processed
// (M excluded)(K skipped)" line directly to stderr, bypassing
// internal/logging: this is deliberately a separate, lower-level path
// from structured logging, matching the original's dedicated progress
// output (see DESIGN.md).
func printProgress(name string, result Result) {
	excluded, skipped := "", ""
	if result.FilteredCount > 0 {
		excluded = fmt.Sprintf(" (%d excluded)", result.FilteredCount)
	}
	if result.SkippedCount > 0 {
		skipped = fmt.Sprintf(" (%d skipped)", result.SkippedCount)
	}
	fmt.Fprintf(os.Stderr, "\rInfo: [%s] %d rows processed%s%s", name, result.WrittenMainRows(), excluded, skipped)
}

func pushFrame(stack *[]*frame, table *tabletree.Table, fkey string) *frame {
	f := &frame{table: table, fkeyValue: fkey}
	*stack = append(*stack, f)
	table.LastID = ""
	for i := range table.Columns {
		c := &table.Columns[i]
		if c.Serial {
			c.Value = strconv.FormatUint(c.NextSerial(), 10)
			c.Used = true
			if i == 0 {
				table.LastID = c.Value
			}
		}
	}
	return f
}

func openColumnCapture(f *frame, c *tabletree.Column, depth int) {
	oc := &openCapture{col: c, depth: depth}
	switch c.Convert {
	case tabletree.ConvXMLToText:
		oc.xmlBuf = &bytes.Buffer{}
		oc.xmlEnc = xml.NewEncoder(oc.xmlBuf)
	case tabletree.ConvGMLToEWKB:
		oc.geo = &geom.Collector{}
	}
	f.opens = append(f.opens, oc)
}

// applyAttr assigns an attribute-sourced column's value. i is the column's
// index on table: column 0's value (after rewrites) is also copied into
// the table's LastID as soon as it's known, since a sibling subtable's
// start tag may need it before this row ever closes.
func applyAttr(table *tabletree.Table, i int, c *tabletree.Column, t xml.StartElement) {
	for _, a := range t.Attr {
		if qualifiedName(a.Name) != c.Attr && a.Name.Local != c.Attr {
			continue
		}
		assignColumnValue(c, a.Value)
		if i == 0 {
			table.LastID = c.Value
		}
		return
	}
}

func handleText(stack []*frame, text string) {
	if len(stack) == 0 || stack[0].skipped {
		return
	}
	top := stack[len(stack)-1]
	for _, oc := range top.opens {
		switch {
		case oc.geo != nil:
			if err := oc.geo.AddPos(text); err != nil {
				logging.Logf(logging.Warning, "column '%s': %v", oc.col.Name, err)
			}
		case oc.xmlEnc != nil:
			oc.xmlBuf.WriteString(xmlEscapeText(text))
		default:
			if oc.col.Convert == tabletree.ConvConcatText && oc.text.Len() > 0 {
				oc.text.WriteByte(' ')
			}
			oc.text.WriteString(text)
		}
	}
}

func xmlEscapeText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func handleEnd(tree *tabletree.Tree, stack *[]*frame, tracker *pathtrack.Tracker, depth int, t xml.EndElement, result *Result, def *deferral) error {
	if len(*stack) == 0 {
		return nil
	}
	top := (*stack)[len(*stack)-1]

	feedNestedEnd(top, depth, t)

	for i := len(top.opens) - 1; i >= 0; i-- {
		oc := top.opens[i]
		if oc.depth != depth {
			continue
		}
		closeColumnCapture(oc)
		if oc.col == &top.table.Columns[0] {
			top.table.LastID = oc.col.Value
		}
		top.opens = append(top.opens[:i], top.opens[i+1:]...)
	}

	if tracker.Path() != top.table.Path {
		return nil
	}

	if top.skipped {
		result.SkippedCount++
		top.table.ClearColumns()
		top.skipped = false
		*stack = (*stack)[:len(*stack)-1]
		return nil
	}

	finalizeRow(top, result)

	// This row's own column 0 (and LastID) is now final. If a subtable of
	// this very table had to defer because it closed before that value
	// was known, replay its buffered events now, while top is still the
	// active frame.
	if def.active() && def.owner == top.table {
		if err := replayDeferred(tree, stack, tracker, depth, result, def); err != nil {
			return err
		}
	}

	*stack = (*stack)[:len(*stack)-1]
	return nil
}

// replayDeferred re-feeds a subtable's buffered events now that its
// parent row's own column 0 is known, resuming the FSM through the same
// step dispatch used for live tokens. The path tracker and stack are
// already positioned exactly where they were when deferral began (the
// parent row's own path, with the parent frame still on top of stack),
// so each buffered token pushes and pops precisely as it did the first
// time it was seen.
func replayDeferred(tree *tabletree.Tree, stack *[]*frame, tracker *pathtrack.Tracker, depth int, result *Result, def *deferral) error {
	events := def.events
	def.owner = nil
	def.prefix = ""
	def.events = nil

	d := depth
	for _, tok := range events {
		if err := step(tree, stack, tracker, &d, tok, result, def); err != nil {
			return fmt.Errorf("replaying deferred subtable events: %w", err)
		}
	}
	return nil
}

func closeColumnCapture(oc *openCapture) {
	switch {
	case oc.geo != nil:
		encoded, ok := oc.geo.Encode(oc.col.BBox, oc.col.Multitype, func(format string, args ...interface{}) {
			logging.Logf(logging.Warning, format, args...)
		})
		if !ok {
			return
		}
		assignColumnValue(oc.col, encoded)
	case oc.xmlEnc != nil:
		assignColumnValue(oc.col, oc.xmlBuf.String())
	default:
		assignColumnValue(oc.col, oc.text.String())
	}
}

// assignColumnValue applies find/replace, the column's aggregation
// policy, and TSV escaping, exactly matching how a plain text or
// attribute-sourced value is written into the accumulator (the original
// implementation only escapes the text-node path; this applies the same
// escaping uniformly to attribute values too).
func assignColumnValue(c *tabletree.Column, raw string) {
	value := raw
	if c.Find != nil {
		value = c.Find.ReplaceAllString(value, c.Replace)
	}
	escaped := tabletree.EscapeText(value, c.Trim)

	if !c.Accept(func(format string, args ...interface{}) {
		logging.Logf(logging.Warning, format, args...)
	}) {
		return
	}
	c.Value += escaped
}

func finalizeRow(f *frame, result *Result) {
	filtered := f.table.EvaluateRow()
	if filtered {
		// The original only accumulates filtercount at main-row
		// granularity; a filtered subtable row is simply discarded.
		if f.isMain {
			result.FilteredCount++
		}
		f.table.ClearColumns()
		return
	}

	// A many-to-one/many-to-many subtable's assembled row is itself the
	// normalization key: it never appears in its own output verbatim,
	// only as a surrogate id, either written back into the parent
	// column (many-to-one) or paired with the parent's foreign key in
	// this table's own junction row (many-to-many).
	if f.table.Domain != nil {
		fields := f.table.AssembleFields()
		id := f.table.Domain.ResolveComposite(domainKey(f.table), fields)
		f.table.LastID = id
		f.table.ClearColumns()

		if f.parentCol != nil {
			writeBackToParent(f.parentCol, id)
		}
		if f.table.Cardinality == tabletree.CardinalityManyToMany {
			f.table.Enqueue(f.fkeyValue + "\t" + id + "\n")
			result.TableRows[f.table.Name]++
		}
		return
	}

	f.table.LastID = firstColumnValue(f.table)
	f.table.EmitRow(foreignKeyPrefix(f))
	result.TableRows[f.table.Name]++
}

// domainKey derives a composite subtable's dedup key: when its own column
// 0 is a serial, that column exists only to give the subtable's emitted
// row a surrogate id and carries no dedup meaning, so the key is the
// concatenation of the remaining columns' raw values; otherwise column 0
// is the subtable's real identity and the key is simply its value, i.e.
// the table's own LastID.
func domainKey(t *tabletree.Table) string {
	if len(t.Columns) > 0 && t.Columns[0].Serial {
		var b strings.Builder
		for i := 1; i < len(t.Columns); i++ {
			b.WriteString(t.Columns[i].Value)
		}
		return b.String()
	}
	return t.LastID
}

// writeBackToParent applies a many-to-one/many-to-many subtable's
// resolved id to its owning column on the parent row. Per the design
// notes, repeated children overwrite the parent column ("last wins")
// unless the column's own aggregation policy says otherwise.
func writeBackToParent(c *tabletree.Column, value string) {
	switch c.Aggr {
	case tabletree.AggrFirst:
		if c.Value != "" {
			return
		}
		c.Value = value
	case tabletree.AggrAppend:
		if c.Value != "" {
			c.Value += ","
		}
		c.Value += value
	default:
		c.Value = value
	}
	c.Used = true
}

func firstColumnValue(t *tabletree.Table) string {
	if len(t.Columns) == 0 {
		return ""
	}
	return t.Columns[0].Value
}

func foreignKeyPrefix(f *frame) string {
	if f.table.Cardinality == tabletree.CardinalityOneToMany || f.table.Cardinality == tabletree.CardinalityManyToMany {
		return f.fkeyValue
	}
	return ""
}
