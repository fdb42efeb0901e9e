package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

// newEvaluableExpressionFunc is overridable in tests, mirroring the
// teacher's pattern of factory vars around third-party constructors that
// touch no external resource but are awkward to exercise error paths for
// directly (internal/app.newExpressionEvaluatorFunc).
var newEvaluableExpressionFunc = func(expr string) (*govaluate.EvaluableExpression, error) {
	return govaluate.NewEvaluableExpression(expr)
}

// Validate checks a parsed Document for the fatal configuration errors
// described by the specification: malformed regexes, unknown conv/aggr
// keywords, incompatible option combinations, and the subtable-as-
// first-column restriction that applies to one-to-many and many-to-many
// subtables. It accumulates every problem it finds rather than stopping
// at the first, joining them into one error so a misconfigured document
// can be fixed in a single pass.
func Validate(doc *Document) error {
	var errs []string

	if doc.Name == "" {
		errs = append(errs, "- Document.name: required")
	}
	if doc.Path == "" {
		errs = append(errs, "- Document.path: required")
	}
	if len(doc.Cols) == 0 {
		errs = append(errs, "- Document.cols: at least one column is required")
	}

	errs = append(errs, validateColumns(doc.Name, doc.Cols, true)...)

	if doc.Cond != "" {
		if _, err := newEvaluableExpressionFunc(doc.Cond); err != nil {
			errs = append(errs, fmt.Sprintf("- %s.cond: invalid expression: %v", doc.Name, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(errs, "\n"))
}

func validateColumns(prefix string, cols []ColumnSpec, isFirstGroup bool) []string {
	var errs []string
	for i, col := range cols {
		name := col.Name
		if name == "" {
			name = fmt.Sprintf("cols[%d]", i)
		}
		p := prefix + "." + name

		if col.Path == "" && !col.Seri {
			errs = append(errs, fmt.Sprintf("- %s.path: required unless 'seri' is set", p))
		}

		if col.Conv != "" && !isValidEnumValue(col.Conv, knownConv) {
			errs = append(errs, fmt.Sprintf("- %s.conv: unknown value '%s'", p, col.Conv))
		}
		if col.Aggr != "" && !isValidEnumValue(col.Aggr, knownAggr) {
			errs = append(errs, fmt.Sprintf("- %s.aggr: unknown value '%s'", p, col.Aggr))
		}
		if (col.Incl != "" || col.Excl != "") && col.Conv != "" {
			errs = append(errs, fmt.Sprintf("- %s: 'incl'/'excl' cannot be combined with 'conv'", p))
		}
		if col.BBox != "" && col.Conv != ConvGMLToEWKB {
			errs = append(errs, fmt.Sprintf("- %s.bbox: requires conv: %s", p, ConvGMLToEWKB))
		}
		if col.Norm == "true" {
			errs = append(errs, fmt.Sprintf("- %s.norm: 'true' is not a valid target; give a lookup-table file path", p))
		}

		for _, re := range []struct{ field, pattern string }{
			{"find", col.Find}, {"incl", col.Incl}, {"excl", col.Excl},
		} {
			if re.pattern == "" {
				continue
			}
			if _, err := regexp.Compile(re.pattern); err != nil {
				errs = append(errs, fmt.Sprintf("- %s.%s: invalid regexp: %v", p, re.field, err))
			}
		}

		if len(col.Cols) > 0 {
			cardinality := deriveCardinality(col.File, col.Norm)
			if i == 0 && isFirstGroup && (cardinality == "one-to-many" || cardinality == "many-to-many") {
				errs = append(errs, fmt.Sprintf("- %s: a one-to-many/many-to-many subtable cannot be the first column", p))
			}
			errs = append(errs, validateColumns(name, col.Cols, false)...)
		}
	}
	return errs
}

func deriveCardinality(file, norm string) string {
	switch {
	case file != "" && norm != "":
		return "many-to-many"
	case file != "" && norm == "":
		return "one-to-many"
	case file == "" && norm != "":
		return "many-to-one"
	default:
		return "default"
	}
}

func isValidEnumValue(value string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return true
		}
	}
	return false
}
