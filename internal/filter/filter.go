// Package filter composes predicates into the prefix-notation boolean domains
// accepted by the remote search protocol.
//
// A domain is a JSON array whose elements are either a combinator ("&", "|")
// or a [field, operator, value] triple. N predicates joined by one operator
// are written as N-1 combinators followed by the predicates in order:
//
//	["&", "&", ["id", ">", 10], ["active", "=", true], ["state", "=", "done"]]
package filter

import (
	"encoding/json"
	"fmt"
)

// Combinator is a prefix boolean operator.
type Combinator string

const (
	And Combinator = "&"
	Or  Combinator = "|"
)

// Operators understood by the remote protocol.
const (
	OpEquals       = "="
	OpNotEquals    = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpILike        = "ilike"
	OpIn           = "in"
	OpNotIn        = "not in"
)

// Term is one element of an Expression: a Combinator or a Predicate.
type Term interface {
	isTerm()
}

func (Combinator) isTerm() {}
func (Predicate) isTerm()  {}

// Predicate is an atomic (field, operator, value) condition.
type Predicate struct {
	Field    string
	Operator string
	Value    any
}

// MarshalJSON encodes the predicate as a three element array.
func (p Predicate) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Field, p.Operator, p.Value})
}

func (p Predicate) String() string {
	return fmt.Sprintf("(%s %s %v)", p.Field, p.Operator, p.Value)
}

// Expression is a built, prefix-form domain.
type Expression []Term

// MarshalJSON always yields an array, "[]" for the empty expression.
func (e Expression) MarshalJSON() ([]byte, error) {
	out := make([]any, len(e))
	for i, t := range e {
		out[i] = t
	}
	return json.Marshal(out)
}

// Predicates returns the predicates of e in order, skipping combinators.
func (e Expression) Predicates() []Predicate {
	var out []Predicate
	for _, t := range e {
		if p, ok := t.(Predicate); ok {
			out = append(out, p)
		}
	}
	return out
}

// Builder accumulates predicates. The zero value is ready to use.
type Builder struct {
	preds []Predicate
}

// New returns an empty Builder.
func New() *Builder { return &Builder{} }

// Add appends a predicate and returns b for chaining.
func (b *Builder) Add(field, op string, value any) *Builder {
	b.preds = append(b.preds, Predicate{Field: field, Operator: op, Value: value})
	return b
}

// Extend appends every predicate of e. Combinators in e are dropped, so only
// pure conjunctions should be merged this way.
func (b *Builder) Extend(e Expression) *Builder {
	b.preds = append(b.preds, e.Predicates()...)
	return b
}

func (b *Builder) Equals(field string, v any) *Builder       { return b.Add(field, OpEquals, v) }
func (b *Builder) NotEquals(field string, v any) *Builder    { return b.Add(field, OpNotEquals, v) }
func (b *Builder) GreaterThan(field string, v any) *Builder  { return b.Add(field, OpGreater, v) }
func (b *Builder) LessThan(field string, v any) *Builder     { return b.Add(field, OpLess, v) }
func (b *Builder) GreaterEqual(field string, v any) *Builder { return b.Add(field, OpGreaterEqual, v) }
func (b *Builder) LessEqual(field string, v any) *Builder    { return b.Add(field, OpLessEqual, v) }

// Like adds a case-insensitive pattern match.
func (b *Builder) Like(field string, pattern string) *Builder {
	return b.Add(field, OpILike, pattern)
}

// In adds a set-membership predicate.
func (b *Builder) In(field string, values any) *Builder { return b.Add(field, OpIn, values) }

// NotIn adds a negated set-membership predicate.
func (b *Builder) NotIn(field string, values any) *Builder { return b.Add(field, OpNotIn, values) }

// Between adds the inclusive range from <= field <= to as two predicates.
func (b *Builder) Between(field string, from, to any) *Builder {
	return b.GreaterEqual(field, from).LessEqual(field, to)
}

// Len reports the number of predicates added so far.
func (b *Builder) Len() int { return len(b.preds) }

// Build joins the predicates with AND.
func (b *Builder) Build() Expression { return b.build(And) }

// BuildOr joins the predicates with OR.
func (b *Builder) BuildOr() Expression { return b.build(Or) }

// build returns a fresh slice; later Adds never alias a built Expression.
func (b *Builder) build(c Combinator) Expression {
	n := len(b.preds)
	if n == 0 {
		return Expression{}
	}
	out := make(Expression, 0, 2*n-1)
	for i := 0; i < n-1; i++ {
		out = append(out, c)
	}
	for _, p := range b.preds {
		out = append(out, p)
	}
	return out
}
