package threshold

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator compares an observed aggregate with a bound.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// two-character operators first so "<=" is not read as "<"
var operators = []Operator{OpLE, OpGE, OpEQ, OpNE, OpLT, OpGT}

func (op Operator) compare(v, bound float64) bool {
	switch op {
	case OpLT:
		return v < bound
	case OpLE:
		return v <= bound
	case OpGT:
		return v > bound
	case OpGE:
		return v >= bound
	case OpEQ:
		return v == bound
	case OpNE:
		return v != bound
	}
	return false
}

// Expression is a parsed "agg op bound" check such as "p(95)<500" or "rate<0.01".
// Bounds with an "s" suffix are converted to milliseconds; "ms" is accepted and dropped.
type Expression struct {
	Source    string
	Aggregate string
	Op        Operator
	Bound     float64
}

// Parse reads an expression.
func Parse(src string) (Expression, error) {
	expr := strings.TrimSpace(src)
	for _, op := range operators {
		i := strings.Index(expr, string(op))
		if i < 0 {
			continue
		}
		agg := strings.ReplaceAll(strings.TrimSpace(expr[:i]), " ", "")
		if agg == "" {
			return Expression{}, fmt.Errorf("%w: missing aggregate in %q", ErrInvalidExpression, src)
		}
		bound, err := parseBound(strings.TrimSpace(expr[i+len(op):]))
		if err != nil {
			return Expression{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, src, err)
		}
		return Expression{Source: expr, Aggregate: agg, Op: op, Bound: bound}, nil
	}
	return Expression{}, fmt.Errorf("%w: no comparison operator in %q", ErrInvalidExpression, src)
}

func parseBound(s string) (float64, error) {
	scale := 1.0
	switch {
	case strings.HasSuffix(s, "ms"):
		s = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
		scale = 1000
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return v * scale, nil
}

// Check applies the expression to an observed value.
func (e Expression) Check(v float64) bool {
	return e.Op.compare(v, e.Bound)
}

func (e Expression) String() string {
	return e.Source
}
