package models

import "fmt"

// Operator is the comparison applied between a patch's annotation
// coverage fraction and a rule threshold.
type Operator int

const (
	OpEq Operator = iota
	OpGe
	OpGt
	OpLe
	OpLt
)

// ParseOperator maps the configuration spelling of a comparison to its
// Operator value.
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "==":
		return OpEq, nil
	case ">=":
		return OpGe, nil
	case ">":
		return OpGt, nil
	case "<=":
		return OpLe, nil
	case "<":
		return OpLt, nil
	}
	return 0, fmt.Errorf("unknown label operator %q", s)
}

// String returns the configuration spelling of the operator.
func (op Operator) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpGe:
		return ">="
	case OpGt:
		return ">"
	case OpLe:
		return "<="
	case OpLt:
		return "<"
	}
	return fmt.Sprintf("Operator(%d)", int(op))
}

// Match evaluates `value op threshold`.
func (op Operator) Match(value, threshold float64) bool {
	switch op {
	case OpEq:
		return value == threshold
	case OpGe:
		return value >= threshold
	case OpGt:
		return value > threshold
	case OpLe:
		return value <= threshold
	case OpLt:
		return value < threshold
	}
	return false
}

// LabelRule is one entry of the ordered rule table. Every comparison uses
// the rule's own threshold.
type LabelRule struct {
	// Name is the label assigned when the rule matches
	Name string

	// Op compares the patch coverage fraction against Threshold
	Op Operator

	// Threshold is the coverage fraction the rule tests against
	Threshold float64

	// Annotated marks labels that represent annotated tissue classes,
	// as opposed to background/rest classes
	Annotated bool
}

// FirstMatch evaluates the rules in declared order against a coverage
// fraction and returns the first rule satisfied. ok is false when no
// rule matches; the caller decides whether that drops the patch or falls
// back to an unlabeled bucket.
func FirstMatch(rules []LabelRule, coverage float64) (LabelRule, bool) {
	for _, r := range rules {
		if r.Op.Match(coverage, r.Threshold) {
			return r, true
		}
	}
	return LabelRule{}, false
}

// UnlabeledName is the fallback bucket used for slides without any
// annotation file.
const UnlabeledName = "unlabeled"
