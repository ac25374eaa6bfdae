package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ForeignKeyError is a referential-integrity violation raised while writing
// rows into SourceTable. Table and Column name the referenced key that was
// missing and Value is the offending key value in text form.
type ForeignKeyError struct {
	Constraint  string
	Table       string
	Column      string
	Value       string
	SourceTable string
	Err         error
}

func (e *ForeignKeyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "foreign key violation %q", e.Constraint)
	if e.SourceTable != "" {
		fmt.Fprintf(&b, " on %s", e.SourceTable)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, ": %s.%s=%s not present", e.Table, e.Column, e.Value)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ForeignKeyError) Unwrap() error { return e.Err }

// Repairable reports whether enough is known to synthesize the missing row.
func (e *ForeignKeyError) Repairable() bool {
	return e.Table != "" && e.Column != "" && e.Value != ""
}

// AsForeignKey extracts a *ForeignKeyError from err's chain.
func AsForeignKey(err error) (*ForeignKeyError, bool) {
	var fk *ForeignKeyError
	if errors.As(err, &fk) {
		return fk, true
	}
	return nil, false
}

// ViolationParser recovers a ForeignKeyError from an error whose only
// structure is its message. Backends with structured driver errors do not
// need one.
type ViolationParser interface {
	ParseViolation(err error) (*ForeignKeyError, bool)
}

var (
	reConstraint = regexp.MustCompile(`foreign key constraint "([^"]+)"`)
	reOnTable    = regexp.MustCompile(`on table "([^"]+)"`)
	reKey        = regexp.MustCompile(`Key \(([^)]+)\)=\(([^)]*)\)`)
	reRefTable   = regexp.MustCompile(`not present in table "([^"]+)"`)
)

// TextViolationParser understands the PostgreSQL message and detail format:
//
//	insert or update on table "t" violates foreign key constraint "fk_x_id"
//	Key (x_id)=(42) is not present in table "x".
type TextViolationParser struct{}

func (TextViolationParser) ParseViolation(err error) (*ForeignKeyError, bool) {
	if err == nil {
		return nil, false
	}
	msg := err.Error()
	m := reConstraint.FindStringSubmatch(msg)
	if m == nil {
		return nil, false
	}
	fk := &ForeignKeyError{Constraint: m[1], Err: err}
	if t := reOnTable.FindStringSubmatch(msg); t != nil {
		fk.SourceTable = t[1]
	}
	var refTable string
	fk.Value, refTable = ParseKeyDetail(msg)
	fk.Table, fk.Column, _ = ResolveReference(fk.Constraint, refTable)
	return fk, true
}

// ParseKeyDetail extracts the offending value and the referenced table from
// a detail line such as `Key (x_id)=(42) is not present in table "x".`
func ParseKeyDetail(detail string) (value, refTable string) {
	if k := reKey.FindStringSubmatch(detail); k != nil {
		value = k[2]
	}
	if r := reRefTable.FindStringSubmatch(detail); r != nil {
		refTable = r[1]
	}
	return value, refTable
}

// ResolveReference derives the referenced table and column from a
// constraint named fk_<table>_<column>. When the referenced table is already
// known (most drivers report it) the column is whatever follows
// "fk_<table>_"; otherwise the last underscore-separated part is the column
// and the rest is the table.
func ResolveReference(constraint, knownTable string) (table, column string, ok bool) {
	name := strings.ToLower(constraint)
	if !strings.HasPrefix(name, "fk_") {
		return knownTable, "", false
	}
	rest := name[len("fk_"):]
	if knownTable != "" {
		bare := strings.ToLower(knownTable)
		if i := strings.LastIndex(bare, "."); i >= 0 {
			bare = bare[i+1:]
		}
		if p := bare + "_"; strings.HasPrefix(rest, p) && len(rest) > len(p) {
			return knownTable, rest[len(p):], true
		}
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return knownTable, "", false
	}
	if knownTable != "" {
		return knownTable, rest[i+1:], true
	}
	return rest[:i], rest[i+1:], true
}

// ForeignKeyRef is one referencing column of a table.
type ForeignKeyRef struct {
	Constraint string
	From       string // referencing column in the source table
	Table      string // referenced table
	To         string // referenced column
}

// FindMissingReference scans rows for the first non-null value of a
// reference column that has no matching row in the referenced table. It is
// used by backends whose driver reports that a violation happened without
// saying which value caused it.
func FindMissingReference(ctx context.Context, w Warehouse, source string, refs []ForeignKeyRef, columns []string, rows [][]any) (*ForeignKeyError, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[strings.ToLower(c)] = i
	}
	for _, ref := range refs {
		pos, ok := index[strings.ToLower(ref.From)]
		if !ok {
			continue
		}
		checked := map[string]struct{}{}
		for _, row := range rows {
			v := row[pos]
			if v == nil {
				continue
			}
			key := fmt.Sprint(v)
			if _, seen := checked[key]; seen {
				continue
			}
			checked[key] = struct{}{}
			found, err := Exists(ctx, w, ref.Table, ref.To, v)
			if err != nil {
				return nil, fmt.Errorf("check %s.%s=%s: %w", ref.Table, ref.To, key, err)
			}
			if !found {
				name := ref.Constraint
				if name == "" {
					name = "fk_" + ref.Table + "_" + ref.To
				}
				return &ForeignKeyError{
					Constraint:  name,
					Table:       ref.Table,
					Column:      ref.To,
					Value:       key,
					SourceTable: source,
				}, nil
			}
		}
	}
	return nil, nil
}
