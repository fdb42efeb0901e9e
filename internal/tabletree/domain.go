package tabletree

import (
	"strconv"

	"xml2pg/internal/domain"
)

// Domain pairs a surrogate-key allocator with the lookup Table its newly
// allocated keys are written to, implementing the normalization behavior
// described by the specification: a column (or whole subtable row) value
// is deduplicated into a dense integer id, and the id/value pair is
// emitted to the lookup table exactly once, the first time that value is
// seen.
type Domain struct {
	keys  domain.KeyMap
	table *Table
}

// NewDomain attaches a lookup Table to a fresh surrogate-key allocator.
func NewDomain(table *Table) *Domain {
	return &Domain{table: table}
}

// ResolveValue normalizes a single scalar value (the common case: a
// column with a plain 'norm' target) into its surrogate id, emitting an
// (id, value) lookup row the first time the value is seen.
func (d *Domain) ResolveValue(value string) string {
	id, isNew := d.keys.Resolve(value)
	idStr := strconv.FormatUint(uint64(id), 10)
	if isNew && d.table != nil {
		d.table.Enqueue(idStr + "\t" + value + "\n")
	}
	return idStr
}

// ResolveComposite normalizes a subtable's row into a surrogate id for its
// many-to-one/many-to-many parent foreign key, emitting a lookup row
// mirroring the subtable's columns behind a synthetic id the first time
// that key is seen. key is the caller-derived dedup key (see
// internal/xform's domainKey: column 0's own value, or, when column 0 is
// itself a serial, the concatenation of the remaining column values);
// fields is the subtable's full assembled row written out behind the id.
func (d *Domain) ResolveComposite(key string, fields []string) string {
	id, isNew := d.keys.Resolve(key)
	idStr := strconv.FormatUint(uint64(id), 10)
	if isNew && d.table != nil {
		line := idStr
		for _, f := range fields {
			line += "\t" + f
		}
		d.table.Enqueue(line + "\n")
	}
	return idStr
}

// Len reports how many distinct keys this domain has resolved.
func (d *Domain) Len() int { return d.keys.Len() }

// Entries returns this domain's resolved id/value pairs in ascending id
// order, for the diagnostic --dump-domains-xlsx dump.
func (d *Domain) Entries() []domain.Entry { return d.keys.Entries() }

// Name reports the domain's own lookup table name, used as the dump's
// worksheet name.
func (d *Domain) Name() string {
	if d.table == nil {
		return ""
	}
	return d.table.Name
}

// Close shuts down the domain's own lookup table writer and sink.
func (d *Domain) Close() error {
	if d.table == nil {
		return nil
	}
	return d.table.Close()
}
