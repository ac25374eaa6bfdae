// Package gap materializes explicit zero facts for key pairs that exist in
// two dimension sets but have no observed fact.
//
// The work is O(len(as) * len(bs)); callers bound both sets.
package gap

import "odooetl/pkg/records"

// Pair is one (A, B) key combination.
type Pair[A, B comparable] struct {
	A A
	B B
}

// PairSet is a set of observed pairs.
type PairSet[A, B comparable] map[Pair[A, B]]struct{}

// Add inserts (a, b).
func (s PairSet[A, B]) Add(a A, b B) { s[Pair[A, B]{a, b}] = struct{}{} }

// Has reports whether (a, b) is present.
func (s PairSet[A, B]) Has(a A, b B) bool {
	_, ok := s[Pair[A, B]{a, b}]
	return ok
}

// MissingPairs returns as x bs minus existing, in as-major order. Duplicate
// keys within as or bs are considered once.
func MissingPairs[A, B comparable](as []A, bs []B, existing PairSet[A, B]) []Pair[A, B] {
	as, bs = uniq(as), uniq(bs)
	var out []Pair[A, B]
	for _, a := range as {
		for _, b := range bs {
			if existing.Has(a, b) {
				continue
			}
			out = append(out, Pair[A, B]{a, b})
		}
	}
	return out
}

func uniq[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Facts describes how a missing pair becomes a row.
type Facts struct {
	AColumn string
	BColumn string
	// Zero holds the constant columns of every generated row, e.g. quantity 0.
	Zero records.Record
}

// ZeroFacts converts missing pairs into records.
func ZeroFacts[A, B comparable](pairs []Pair[A, B], f Facts) []records.Record {
	out := make([]records.Record, 0, len(pairs))
	for _, p := range pairs {
		r := make(records.Record, len(f.Zero)+2)
		for k, v := range f.Zero {
			r[k] = v
		}
		r[f.AColumn] = p.A
		r[f.BColumn] = p.B
		out = append(out, r)
	}
	return out
}
