// Package upsert writes record sets into the warehouse with insert-or-update
// semantics and repairs missing-reference failures on the way.
//
// Records are written in fixed-size slices. When a slice fails on a foreign
// key, the violation is handed to a Repairer (normally the ledger, which
// logs it and inserts a placeholder row) and the slice is written again. A
// slice gets MaxAttempts writes in total, shared by every violation it hits.
// Any other failure is returned immediately.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"odooetl/internal/metrics"
	"odooetl/internal/storage"
	"odooetl/pkg/records"
)

const (
	DefaultBatchSize   = 2500
	DefaultMaxAttempts = 2
)

// ErrMissingKey reports a record without a value for a key column.
var ErrMissingKey = errors.New("upsert: record is missing a primary key value")

// Repairer makes a missing reference resolvable.
type Repairer interface {
	Repair(ctx context.Context, fk *storage.ForeignKeyError) (created bool, err error)
}

// Request is one upsert call.
type Request struct {
	Table      string
	Records    []records.Record
	PrimaryKey []string
	BatchSize  int // 0 uses the engine's batch size
}

// Result summarizes a completed upsert.
type Result struct {
	Records      int   // input records
	Deduplicated int   // records dropped as same-key duplicates within a slice
	Slices       int   // slices written
	Written      int64 // rows reported by the warehouse
	Repairs      int   // violations repaired
}

// Engine performs conflict-aware upserts.
type Engine struct {
	Warehouse storage.Warehouse
	Repairer  Repairer

	// Parser recovers violations from backends that return plain errors.
	// Nil disables text parsing.
	Parser storage.ViolationParser

	BatchSize   int
	MaxAttempts int
}

// Upsert writes req.Records into req.Table.
func (e *Engine) Upsert(ctx context.Context, req Request) (Result, error) {
	res := Result{Records: len(req.Records)}
	if len(req.Records) == 0 {
		log.Printf("upsert: table=%s no records; nothing to write", req.Table)
		return res, nil
	}
	if len(req.PrimaryKey) == 0 {
		return res, fmt.Errorf("upsert %s: primary key is required", req.Table)
	}

	caser := cases.Lower(language.Und)
	keys := foldAll(caser, req.PrimaryKey)
	recs := make([]records.Record, len(req.Records))
	for i, r := range req.Records {
		recs[i] = fold(caser, r)
		for _, k := range keys {
			if recs[i][k] == nil {
				return res, fmt.Errorf("upsert %s: record %d key %q: %w", req.Table, i, k, ErrMissingKey)
			}
		}
	}
	columns := columnsOf(recs)

	size := req.BatchSize
	if size <= 0 {
		size = e.BatchSize
	}
	if size <= 0 {
		size = DefaultBatchSize
	}

	start := time.Now()
	for off := 0; off < len(recs); off += size {
		slice := recs[off:min(off+size, len(recs))]
		unique := dedup(slice, keys)
		res.Deduplicated += len(slice) - len(unique)

		n, repairs, err := e.writeSlice(ctx, req.Table, columns, keys, rowsOf(unique, columns))
		res.Repairs += repairs
		if err != nil {
			return res, fmt.Errorf("upsert %s slice %d (offset=%d): %w", req.Table, res.Slices+1, off, err)
		}
		res.Slices++
		res.Written += n
		metrics.RecordBatches(req.Table, 1)
		log.Printf("upsert: table=%s slice #%d rows=%d written=%d total_written=%d elapsed=%s",
			req.Table, res.Slices, len(unique), n, res.Written, time.Since(start).Truncate(time.Millisecond))
	}
	metrics.RecordRow(req.Table, metrics.KindUpserted, int64(res.Records-res.Deduplicated))
	return res, nil
}

// writeSlice writes rows, repairing foreign key violations until the
// attempt budget runs out.
func (e *Engine) writeSlice(ctx context.Context, table string, columns, keys []string, rows [][]any) (int64, int, error) {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	repairs := 0
	for attempt := 1; ; attempt++ {
		n, err := e.Warehouse.Upsert(ctx, table, columns, keys, rows)
		if err == nil {
			return n, repairs, nil
		}
		fk, ok := e.violation(err)
		if !ok {
			return 0, repairs, err
		}
		if fk.SourceTable == "" {
			fk.SourceTable = table
		}
		log.Printf("upsert: WARNING foreign key violation table=%s constraint=%s ref=%s.%s value=%s attempt=%d/%d",
			table, fk.Constraint, fk.Table, fk.Column, fk.Value, attempt, attempts)
		metrics.RecordRepair(table, fk.Constraint)

		if e.Repairer == nil {
			return 0, repairs, err
		}
		if _, rerr := e.Repairer.Repair(ctx, fk); rerr != nil {
			return 0, repairs, fmt.Errorf("repair %s: %w", fk.Constraint, errors.Join(rerr, fk))
		}
		repairs++
		if attempt >= attempts {
			return 0, repairs, fmt.Errorf("retry budget of %d attempts exhausted: %w", attempts, fk)
		}
	}
}

func (e *Engine) violation(err error) (*storage.ForeignKeyError, bool) {
	if fk, ok := storage.AsForeignKey(err); ok {
		return fk, true
	}
	if e.Parser != nil {
		return e.Parser.ParseViolation(err)
	}
	return nil, false
}

func foldAll(c cases.Caser, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = c.String(n)
	}
	return out
}

func fold(c cases.Caser, r records.Record) records.Record {
	out := make(records.Record, len(r))
	for k, v := range r {
		out[c.String(k)] = v
	}
	return out
}

// columnsOf returns the sorted union of field names.
func columnsOf(recs []records.Record) []string {
	set := map[string]struct{}{}
	for _, r := range recs {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func rowsOf(recs []records.Record, columns []string) [][]any {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = r[c]
		}
		rows[i] = row
	}
	return rows
}

// dedup keeps the last record per key, at the position of that last
// occurrence. Keys are hashed with xxh3; the full key text guards against
// collisions.
func dedup(in []records.Record, keys []string) []records.Record {
	type slot struct {
		key   string
		index int
	}
	winners := make(map[uint64][]slot, len(in))
	keep := make([]bool, len(in))
	for i, r := range in {
		k := keyOf(r, keys)
		h := xxh3.HashString(k)
		bucket := winners[h]
		replaced := false
		for j := range bucket {
			if bucket[j].key == k {
				keep[bucket[j].index] = false
				bucket[j].index = i
				replaced = true
				break
			}
		}
		if !replaced {
			bucket = append(bucket, slot{key: k, index: i})
		}
		winners[h] = bucket
		keep[i] = true
	}
	if len(winners) == len(in) {
		return in
	}
	out := make([]records.Record, 0, len(in))
	for i, r := range in {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

func keyOf(r records.Record, keys []string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		switch t := r[k].(type) {
		case string:
			b.WriteString(t)
		default:
			b.WriteString(fmt.Sprint(t))
		}
	}
	return b.String()
}
