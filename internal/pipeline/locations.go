package pipeline

import (
	"context"
	"strconv"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

// locationsStage loads warehouses and their internal and transit stock
// locations, and publishes the internal location ids.
type locationsStage struct {
	name       string
	batch      int
	warehouses string
	locations  string
}

func newLocationsStage(st config.Stage) *locationsStage {
	return &locationsStage{
		name:       st.Name,
		batch:      st.BatchSize,
		warehouses: st.Options.String("warehouse_table", "fact_warehouse"),
		locations:  st.Options.String("location_table", "fact_stock_locations"),
	}
}

func (s *locationsStage) Name() string                 { return s.name }
func (s *locationsStage) Requires() []Output           { return nil }
func (s *locationsStage) Provides() []Output           { return []Output{InternalLocations} }
func (s *locationsStage) Tracked() []watermark.Tracked { return nil }

// warehouseCode keeps the numeric branch code of a warehouse code, or 0.
func warehouseCode(v any) int64 {
	s, _ := v.(string)
	code := branchCode.FindString(s)
	if code == "" {
		return 0
	}
	n, _ := strconv.ParseInt(code, 10, 64)
	return n
}

func (s *locationsStage) Run(ctx context.Context, env *Env, out *Outputs) error {
	wh := pull{
		stage:  s.name,
		model:  "stock.warehouse",
		domain: filter.New().Equals("active", true).Build(),
		fields: []string{"id", "name", "code"},
		batch:  s.batch,
		write: func(ctx context.Context, raw []records.Record) error {
			recs := make([]records.Record, 0, len(raw))
			for _, r := range raw {
				rec := r.Clone()
				scalarize(rec)
				rec["code"] = warehouseCode(r["code"])
				recs = append(recs, rec)
			}
			return upsertAll(ctx, env, s.name, s.warehouses, []string{"id"}, recs, s.batch)
		},
	}
	if _, err := wh.run(ctx, env); err != nil {
		return err
	}

	sh := shaper{refs: []string{"warehouse_id"}}
	var internal []int64
	loc := pull{
		stage: s.name,
		model: "stock.location",
		domain: filter.New().
			In("usage", []string{"internal", "transit"}).
			Equals("active", true).
			Build(),
		fields: []string{"id", "usage", "warehouse_id"},
		batch:  s.batch,
		write: func(ctx context.Context, raw []records.Record) error {
			recs, err := sh.applyAll(raw)
			if err != nil {
				return err
			}
			for _, r := range recs {
				if r["usage"] == "internal" {
					if id, ok := records.AsInt64(r["id"]); ok {
						internal = append(internal, id)
					}
				}
			}
			return upsertAll(ctx, env, s.name, s.locations, []string{"id"}, recs, s.batch)
		},
	}
	if _, err := loc.run(ctx, env); err != nil {
		return err
	}
	out.InternalLocations = internal
	return nil
}
