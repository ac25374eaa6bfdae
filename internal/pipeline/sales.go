package pipeline

import (
	"context"
	"slices"
	"time"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

const (
	posPrefix     = "POS-"
	posLinePrefix = "POSL-"
	directPrefix  = "DS-"
)

var (
	defaultPlatformUID      int64 = 1326
	defaultPlatformPartners       = []int64{732481, 732480, 790176}
)

// salesStage loads point-of-sale orders and invoiced direct sale orders
// into one table. Ids are prefixed by origin so both id spaces can share a
// key column.
type salesStage struct {
	name     string
	batch    int
	table    string
	uid      int64
	partners []int64
}

func newSalesStage(st config.Stage) *salesStage {
	partners := st.Options.Int64s("platform_partners")
	if partners == nil {
		partners = defaultPlatformPartners
	}
	return &salesStage{
		name:     st.Name,
		batch:    st.BatchSize,
		table:    st.Options.String("table", "all_sales"),
		uid:      int64(st.Options.Int("platform_uid", int(defaultPlatformUID))),
		partners: partners,
	}
}

func (s *salesStage) Name() string       { return s.name }
func (s *salesStage) Requires() []Output { return []Output{BranchTeams} }
func (s *salesStage) Provides() []Output { return nil }

func (s *salesStage) Tracked() []watermark.Tracked {
	return []watermark.Tracked{
		{Key: "max_pos_order_id", Table: s.table, Column: "id", Prefix: posPrefix},
		{Key: "max_ds_order_id", Table: s.table, Column: "id", Prefix: directPrefix},
	}
}

// orderTime sets date_order to local time and order_in_hour to its hour.
func orderTime(rec records.Record, loc *time.Location) {
	t, ok := parseUTC(rec["date_order"])
	if !ok {
		rec["date_order"] = nil
		rec["order_in_hour"] = nil
		return
	}
	local := t.In(loc)
	rec["date_order"] = local.Format(datetimeLayout)
	rec["order_in_hour"] = int64(local.Hour())
}

// channel classifies a direct sale by who created it and for whom.
func (s *salesStage) channel(rec records.Record) string {
	uid, _ := records.AsInt64(rec["create_uid"])
	partner, _ := records.AsInt64(rec["partner_id"])
	if uid == s.uid || slices.Contains(s.partners, partner) {
		return "platform"
	}
	return "online"
}

func (s *salesStage) Run(ctx context.Context, env *Env, out *Outputs) error {
	loc := env.location()

	posShape := shaper{refs: []string{"partner_id", "employee_id", "user_id", "config_id"}}
	pos := pull{
		stage:  s.name,
		model:  "pos.order",
		fields: []string{"id", "partner_id", "employee_id", "amount_total", "order_in_hour", "amount_tax", "date_order", "user_id", "config_id"},
		batch:  s.batch,
		wmKey:  "max_pos_order_id",
		write: func(ctx context.Context, raw []records.Record) error {
			recs := make([]records.Record, 0, len(raw))
			for _, r := range raw {
				rec, err := posShape.apply(r)
				if err != nil {
					return err
				}
				rec["channel"] = "in_store"
				rec["state"] = "done"
				rec["team_id"] = nil
				if cfg, ok := records.AsInt64(rec["config_id"]); ok {
					if team, ok := out.BranchTeams[cfg]; ok {
						rec["team_id"] = team
					}
				}
				orderTime(rec, loc)
				rec["id"] = tag(posPrefix, rec["id"])
				recs = append(recs, rec)
			}
			return upsertAll(ctx, env, s.name, s.table, []string{"id"}, recs, s.batch)
		},
	}
	if _, err := pos.run(ctx, env); err != nil {
		return err
	}

	dsShape := shaper{refs: []string{"partner_id", "user_id", "team_id", "create_uid"}}
	ds := pull{
		stage:  s.name,
		model:  "sale.order",
		domain: filter.New().In("invoice_status", []string{"invoiced"}).Build(),
		fields: []string{"id", "partner_id", "amount_total", "amount_tax", "date_order", "user_id", "team_id", "state", "create_uid"},
		batch:  s.batch,
		wmKey:  "max_ds_order_id",
		write: func(ctx context.Context, raw []records.Record) error {
			recs := make([]records.Record, 0, len(raw))
			for _, r := range raw {
				rec, err := dsShape.apply(r)
				if err != nil {
					return err
				}
				rec["channel"] = s.channel(rec)
				rec["config_id"] = nil
				delete(rec, "create_uid")
				orderTime(rec, loc)
				rec["id"] = tag(directPrefix, rec["id"])
				recs = append(recs, rec)
			}
			return upsertAll(ctx, env, s.name, s.table, []string{"id"}, recs, s.batch)
		},
	}
	_, err := ds.run(ctx, env)
	return err
}
