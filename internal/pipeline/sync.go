package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"odooetl/internal/filter"
	"odooetl/internal/metrics"
	"odooetl/internal/odoo"
	"odooetl/internal/paginate"
	"odooetl/internal/upsert"
	"odooetl/pkg/records"
)

// Odoo serializes datetimes in UTC with this layout, and dates with
// dateLayout.
const (
	datetimeLayout = "2006-01-02 15:04:05"
	dateLayout     = "2006-01-02"
)

// pull is one paginated extraction of a model.
type pull struct {
	stage  string
	model  string
	domain filter.Expression
	fields []string
	batch  int

	// wmKey makes the pull incremental on wmField (default "id").
	wmKey   string
	wmField string

	// write receives every fetched batch, in arrival order, one at a time.
	write func(ctx context.Context, raw []records.Record) error
}

func (p pull) batchSize(env *Env) int {
	switch {
	case p.batch > 0:
		return p.batch
	case env.BatchSize > 0:
		return env.BatchSize
	}
	return upsert.DefaultBatchSize
}

// run counts, fetches and writes every matching record, then advances the
// watermark to the highest value seen. It returns the number of records
// fetched.
func (p pull) run(ctx context.Context, env *Env) (int, error) {
	field := p.wmField
	if field == "" {
		field = "id"
	}
	b := filter.New()
	var low int64
	if p.wmKey != "" {
		low = env.Watermarks.Get(p.wmKey, 0)
		b.GreaterThan(field, low)
	}
	domain := b.Extend(p.domain).Build()

	count, err := env.Source.Count(ctx, p.model, domain)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", p.model, err)
	}
	if count == 0 {
		log.Printf("%s: no new records in %s", p.stage, p.model)
		return 0, nil
	}
	if p.wmKey != "" {
		log.Printf("%s: %d records in %s after %s=%d", p.stage, count, p.model, p.wmKey, low)
	} else {
		log.Printf("%s: %d records in %s", p.stage, count, p.model)
	}

	high := low
	plan := paginate.Plan{
		Name:      p.stage + "/" + p.model,
		Count:     count,
		BatchSize: p.batchSize(env),
		Workers:   env.FetchWorkers,
	}
	fetch := func(ctx context.Context, w paginate.Window) ([]records.Record, error) {
		return env.Source.Fetch(ctx, odoo.Query{
			Model:  p.model,
			Domain: domain,
			Fields: p.fields,
			Offset: w.Offset,
			Limit:  w.Limit,
		})
	}
	load := func(ctx context.Context, _ paginate.Window, batch []records.Record) error {
		metrics.RecordRow(p.stage, metrics.KindFetched, int64(len(batch)))
		for _, r := range batch {
			if v, ok := records.AsInt64(r[field]); ok && v > high {
				high = v
			}
		}
		return p.write(ctx, batch)
	}
	stats, err := paginate.Run(ctx, plan, fetch, load)
	if err != nil {
		return stats.Records, fmt.Errorf("%s: %w", p.model, err)
	}
	if p.wmKey != "" && high > low {
		advance(ctx, env, p.wmKey, high)
	}
	return stats.Records, nil
}

// advance stores a new watermark and persists it. A failed save is logged;
// the next run refetches from the older value.
func advance(ctx context.Context, env *Env, key string, v int64) {
	env.Watermarks.Set(key, v)
	if err := env.Watermarks.Save(ctx); err != nil {
		log.Printf("watermark: WARNING %s=%d not persisted: %v", key, v, err)
	}
}

// upsertAll writes recs to table and logs repairs.
func upsertAll(ctx context.Context, env *Env, stage, table string, pk []string, recs []records.Record, batch int) error {
	res, err := env.Upserter.Upsert(ctx, upsert.Request{
		Table:      table,
		Records:    recs,
		PrimaryKey: pk,
		BatchSize:  batch,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	if res.Repairs > 0 || res.Deduplicated > 0 {
		log.Printf("%s: table=%s records=%d dedup=%d repairs=%d", stage, table, res.Records, res.Deduplicated, res.Repairs)
	}
	return nil
}

// shaper turns a raw Odoo record into a warehouse row.
type shaper struct {
	refs      []string
	labels    []string
	prefixes  map[string]string
	tzFields  []string
	loc       *time.Location
	constants map[string]any
	renames   map[string]string
	drop      []string
}

// apply runs, in order: reference flattening, number decoding, timezone
// conversion, prefixing, constants, drops and renames.
func (s shaper) apply(r records.Record) (records.Record, error) {
	out, err := records.NormalizeReferences(r, s.refs, s.labels)
	if err != nil {
		return nil, err
	}
	scalarize(out)
	for _, f := range s.tzFields {
		if _, ok := out[f]; ok {
			out[f] = localTime(out[f], s.loc)
		}
	}
	for f, p := range s.prefixes {
		if v := out[f]; v != nil {
			out[f] = tag(p, v)
		}
	}
	for k, v := range s.constants {
		out[k] = v
	}
	for _, f := range s.drop {
		delete(out, f)
	}
	if len(s.renames) > 0 {
		moved := make(map[string]any, len(s.renames))
		for from, to := range s.renames {
			if v, ok := out[from]; ok {
				moved[to] = v
				delete(out, from)
			}
		}
		for k, v := range moved {
			out[k] = v
		}
	}
	return out, nil
}

// applyAll shapes a batch.
func (s shaper) applyAll(raw []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(raw))
	for i, r := range raw {
		rec, err := s.apply(r)
		if err != nil {
			return nil, fmt.Errorf("record %d (id=%v): %w", i, r["id"], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// scalarize replaces json.Number values with int64 or float64.
func scalarize(r records.Record) {
	for k, v := range r {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			r[k] = i
		} else if f, err := n.Float64(); err == nil {
			r[k] = f
		}
	}
}

// tag prepends prefix to the text form of v.
func tag(prefix string, v any) string {
	return prefix + fmt.Sprint(v)
}

// parseUTC reads an Odoo datetime or date. Odoo sends false for empty
// values.
func parseUTC(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(datetimeLayout, s, time.UTC); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// localTime converts an Odoo UTC datetime into a naive local datetime
// string. Empty or unparsable values become nil.
func localTime(v any, loc *time.Location) any {
	t, ok := parseUTC(v)
	if !ok {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(datetimeLayout)
}

// daysSince returns whole days between v and now, or nil when v is empty.
func daysSince(v any, now time.Time) any {
	t, ok := parseUTC(v)
	if !ok {
		return nil
	}
	return int64(now.Sub(t) / (24 * time.Hour))
}
