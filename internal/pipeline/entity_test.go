package pipeline

import (
	"context"
	"reflect"
	"testing"

	"odooetl/internal/config"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

func promotionsStage(t *testing.T) Stage {
	t.Helper()
	st, err := newEntityStage(config.Stage{
		Name: "promotions",
		Entity: &config.Entity{
			Model:          "pos.promotion",
			Table:          "dim_promotions",
			Fields:         []string{"id", "name", "start_date", "promotion_type_id", "state"},
			Domain:         [][]any{{"state", "in", []any{"active", "expired"}}},
			References:     []string{"promotion_type_id"},
			TimezoneFields: []string{"start_date"},
			Prefixes:       map[string]string{"name": "PROMO-"},
			Constants:      map[string]any{"source": "odoo"},
			Renames:        map[string]string{"id": "promotion_id"},
			PrimaryKey:     []string{"promotion_id"},
			Watermark:      &config.EntityWatermark{Key: "max_promotion_id"},
		},
	})
	if err != nil {
		t.Fatalf("newEntityStage: %v", err)
	}
	return st
}

func TestEntityStage_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := newFakeOdoo(map[string][]records.Record{
		"pos.promotion": {
			{"id": int64(1), "name": "Summer", "start_date": "2026-06-01 21:00:00", "promotion_type_id": []any{int64(3), "Discount"}, "state": "active"},
			{"id": int64(2), "name": "Winter", "start_date": false, "promotion_type_id": false, "state": "draft"},
			{"id": int64(3), "name": "Spring", "start_date": "2026-03-01 00:00:00", "promotion_type_id": []any{int64(4), "Bundle"}, "state": "expired"},
		},
	})
	env := newTestEnv(t, src, `CREATE TABLE dim_promotions (promotion_id INTEGER PRIMARY KEY, name TEXT,
		start_date TEXT, promotion_type_id INTEGER, state TEXT, source TEXT)`)

	st := promotionsStage(t)
	if err := st.Run(ctx, env.Env, &Outputs{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := env.count(t, "dim_promotions", ""); got != 2 {
		t.Fatalf("rows = %d, want 2 (draft excluded)", got)
	}
	if got := env.value(t, "SELECT name FROM dim_promotions WHERE promotion_id = 1"); got != "PROMO-Summer" {
		t.Fatalf("name = %v", got)
	}
	if got := env.value(t, "SELECT start_date FROM dim_promotions WHERE promotion_id = 1"); got != "2026-06-01 23:00:00" {
		t.Fatalf("start_date = %v", got)
	}
	if got := env.value(t, "SELECT promotion_type_id FROM dim_promotions WHERE promotion_id = 3"); got != int64(4) {
		t.Fatalf("promotion_type_id = %v", got)
	}
	if got := env.value(t, "SELECT source FROM dim_promotions WHERE promotion_id = 3"); got != "odoo" {
		t.Fatalf("source = %v", got)
	}
	if got := env.Watermarks.Get("max_promotion_id", 0); got != 3 {
		t.Fatalf("watermark = %d, want 3", got)
	}
}

func TestEntityStage_Tracked(t *testing.T) {
	t.Parallel()

	got := promotionsStage(t).Tracked()
	want := []watermark.Tracked{{Key: "max_promotion_id", Table: "dim_promotions", Column: "promotion_id"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked = %+v, want %+v", got, want)
	}

	st, err := newEntityStage(config.Stage{Name: "orders", Entity: &config.Entity{
		Model: "sale.order", Table: "all_sales", Fields: []string{"id"}, PrimaryKey: []string{"id"},
		Prefixes:  map[string]string{"id": "DS-"},
		Watermark: &config.EntityWatermark{Key: "max_ds_order_id"},
	}})
	if err != nil {
		t.Fatalf("newEntityStage: %v", err)
	}
	want = []watermark.Tracked{{Key: "max_ds_order_id", Table: "all_sales", Column: "id", Prefix: "DS-"}}
	if got := st.Tracked(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked = %+v, want %+v", got, want)
	}

	plain, _ := newEntityStage(config.Stage{Name: "teams", Entity: &config.Entity{Model: "crm.team", Table: "dim_teams", PrimaryKey: []string{"id"}}})
	if got := plain.Tracked(); got != nil {
		t.Fatalf("Tracked without watermark = %+v", got)
	}
}
