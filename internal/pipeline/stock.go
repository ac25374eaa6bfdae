package pipeline

import (
	"context"
	"fmt"
	"log"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/gap"
	"odooetl/internal/metrics"
	"odooetl/internal/storage"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

// stockStage loads new stock quants in internal locations, keyed by
// (product, location), then fills every active product and internal
// location pair with no stock row with a zero-quantity row.
type stockStage struct {
	name     string
	batch    int
	table    string
	zeroFill bool
}

func newStockStage(st config.Stage) *stockStage {
	return &stockStage{
		name:     st.Name,
		batch:    st.BatchSize,
		table:    st.Options.String("table", "fact_stock"),
		zeroFill: st.Options.Bool("zero_fill", true),
	}
}

func (s *stockStage) Name() string { return s.name }
func (s *stockStage) Requires() []Output {
	return []Output{ActiveProducts, InternalLocations}
}
func (s *stockStage) Provides() []Output { return nil }

// The stock table is keyed by pair, not quant id, so latest_stock_id cannot
// be recomputed from it.
func (s *stockStage) Tracked() []watermark.Tracked { return nil }

var stockKey = []string{"product_id", "location_id"}

func (s *stockStage) Run(ctx context.Context, env *Env, out *Outputs) error {
	now := env.now()
	sh := shaper{
		refs: []string{"location_id", "product_id"},
		drop: []string{"id", "in_date"},
	}
	p := pull{
		stage:  s.name,
		model:  "stock.quant",
		domain: filter.New().In("location_id", out.InternalLocations).Build(),
		fields: []string{"id", "location_id", "product_id", "reserved_quantity", "available_quantity", "in_date"},
		batch:  s.batch,
		wmKey:  "latest_stock_id",
		write: func(ctx context.Context, raw []records.Record) error {
			recs := make([]records.Record, 0, len(raw))
			for _, r := range raw {
				rec, err := sh.apply(r)
				if err != nil {
					return err
				}
				rec["last_stocked"] = daysSince(r["in_date"], now)
				recs = append(recs, rec)
			}
			return upsertAll(ctx, env, s.name, s.table, stockKey, recs, s.batch)
		},
	}
	if _, err := p.run(ctx, env); err != nil {
		return err
	}
	if !s.zeroFill {
		return nil
	}
	return s.fillZeros(ctx, env, out)
}

func (s *stockStage) fillZeros(ctx context.Context, env *Env, out *Outputs) error {
	existing, err := stockPairs(ctx, env.Warehouse, s.table)
	if err != nil {
		return err
	}
	missing := gap.MissingPairs(out.ActiveProducts, out.InternalLocations, existing)
	if len(missing) == 0 {
		log.Printf("%s: every active product has a row in every internal location", s.name)
		return nil
	}
	rows := gap.ZeroFacts(missing, gap.Facts{
		AColumn: "product_id",
		BColumn: "location_id",
		Zero: records.Record{
			"available_quantity": 0,
			"reserved_quantity":  0,
			"last_stocked":       0,
		},
	})
	log.Printf("%s: adding %d zero-stock rows (%d products x %d locations, %d existing)",
		s.name, len(rows), len(out.ActiveProducts), len(out.InternalLocations), len(existing))
	metrics.RecordRow(s.name, metrics.KindZeroFilled, int64(len(rows)))
	return upsertAll(ctx, env, s.name, s.table, stockKey, rows, s.batch)
}

// stockPairs reads the (product, location) pairs already present.
func stockPairs(ctx context.Context, w storage.Warehouse, table string) (gap.PairSet[int64, int64], error) {
	d := w.Dialect()
	q := fmt.Sprintf("SELECT %s, %s FROM %s", d.Quote("product_id"), d.Quote("location_id"), d.Quote(table))
	rows, err := w.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()
	set := gap.PairSet[int64, int64]{}
	for rows.Next() {
		var product, location *int64
		if err := rows.Scan(&product, &location); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if product != nil && location != nil {
			set.Add(*product, *location)
		}
	}
	return set, rows.Err()
}
