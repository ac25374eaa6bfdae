package pipeline

import (
	"context"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

var productFields = []string{
	"id", "create_date", "default_code", "name", "list_price", "activity_state",
	"standard_price", "pos_categ_id", "categ_id", "uom_id", "active", "sale_ok",
	"purchase_ok", "available_in_pos", "barcode", "last_purchase_price",
	"location_of_supply", "brand_id", "end_trans", "description", "product_tmpl_id",
}

// productsStage loads product variants. The product table is keyed by the
// template; a second table maps every variant id to its template. Active
// variant ids are published for zero-stock generation.
type productsStage struct {
	name     string
	batch    int
	table    string
	variants string
	fields   []string
}

func newProductsStage(st config.Stage) *productsStage {
	fields := st.Options.StringSlice("fields")
	if len(fields) == 0 {
		fields = productFields
	}
	return &productsStage{
		name:     st.Name,
		batch:    st.BatchSize,
		table:    st.Options.String("table", "dim_products"),
		variants: st.Options.String("variant_table", "dim_products_product"),
		fields:   fields,
	}
}

func (s *productsStage) Name() string                 { return s.name }
func (s *productsStage) Requires() []Output           { return nil }
func (s *productsStage) Provides() []Output           { return []Output{ActiveProducts} }
func (s *productsStage) Tracked() []watermark.Tracked { return nil }

func (s *productsStage) Run(ctx context.Context, env *Env, out *Outputs) error {
	now := env.now()
	sh := shaper{
		refs:   []string{"pos_categ_id", "categ_id", "brand_id", "product_tmpl_id"},
		labels: []string{"uom_id"},
		drop:   []string{"create_date", "id"},
		renames: map[string]string{
			"product_tmpl_id": "ref_id",
			"default_code":    "product_id",
			"name":            "product_name",
			"list_price":      "product_price",
			"uom_id":          "unit_of_measure",
			"categ_id":        "category_id",
		},
	}
	var active []int64
	p := pull{
		stage:  s.name,
		model:  "product.product",
		domain: filter.New().In("active", []bool{true, false}).Build(),
		fields: s.fields,
		batch:  s.batch,
		write: func(ctx context.Context, raw []records.Record) error {
			products := make([]records.Record, 0, len(raw))
			variants := make([]records.Record, 0, len(raw))
			for _, r := range raw {
				rec, err := sh.apply(r)
				if err != nil {
					return err
				}
				rec["product_age"] = daysSince(r["create_date"], now)
				products = append(products, rec)

				id, _ := records.AsInt64(r["id"])
				variants = append(variants, records.Record{"id": id, "product_tmpl_id": rec["ref_id"]})
				if b, _ := r["active"].(bool); b {
					active = append(active, id)
				}
			}
			if err := upsertAll(ctx, env, s.name, s.table, []string{"ref_id"}, products, s.batch); err != nil {
				return err
			}
			return upsertAll(ctx, env, s.name, s.variants, []string{"id"}, variants, s.batch)
		},
	}
	if _, err := p.run(ctx, env); err != nil {
		return err
	}
	out.ActiveProducts = active
	return nil
}
