package pipeline

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/metrics"
	"odooetl/internal/storage"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

// salesLinesStage loads the lines of every point-of-sale order in the
// warehouse that has none yet. It needs no watermark: the set of orders
// without lines is the work list.
type salesLinesStage struct {
	name   string
	batch  int
	orders string
	table  string
}

func newSalesLinesStage(st config.Stage) *salesLinesStage {
	return &salesLinesStage{
		name:   st.Name,
		batch:  st.BatchSize,
		orders: st.Options.String("orders_table", "all_sales"),
		table:  st.Options.String("table", "fact_sales_lines"),
	}
}

func (s *salesLinesStage) Name() string                 { return s.name }
func (s *salesLinesStage) Requires() []Output           { return nil }
func (s *salesLinesStage) Provides() []Output           { return nil }
func (s *salesLinesStage) Tracked() []watermark.Tracked { return nil }

func (s *salesLinesStage) Run(ctx context.Context, env *Env, _ *Outputs) error {
	ids, err := ordersWithoutLines(ctx, env.Warehouse, s.orders, s.table)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Printf("%s: every point-of-sale order has lines", s.name)
		return nil
	}
	log.Printf("%s: %d point-of-sale orders without lines", s.name, len(ids))

	empty, err := s.load(ctx, env, ids)
	if err != nil {
		return err
	}
	if len(empty) > 0 {
		// These stay on the work list and are asked for again next run.
		log.Printf("%s: WARNING %d orders have no lines in pos.order.line and will be rechecked every run (first=%s%d)",
			s.name, len(empty), posPrefix, empty[0])
		metrics.RecordRow(s.name, metrics.KindEmptyOrders, int64(len(empty)))
	}
	return nil
}

// load fetches and writes the lines of ids in chunks and returns the ids,
// in order, for which the source returned no line.
func (s *salesLinesStage) load(ctx context.Context, env *Env, ids []int64) ([]int64, error) {
	sh := shaper{refs: []string{"order_id", "product_id", "promotion_id"}}
	seen := make(map[int64]bool, len(ids))
	size := pull{batch: s.batch}.batchSize(env)
	for off := 0; off < len(ids); off += size {
		chunk := ids[off:min(off+size, len(ids))]
		p := pull{
			stage:  s.name,
			model:  "pos.order.line",
			domain: filter.New().In("order_id", chunk).Build(),
			fields: []string{"id", "order_id", "product_id", "qty", "price_unit", "price_subtotal", "discount", "promotion_id"},
			batch:  s.batch,
			write: func(ctx context.Context, raw []records.Record) error {
				recs, err := sh.applyAll(raw)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					if id, ok := records.AsInt64(rec["order_id"]); ok {
						seen[id] = true
					}
					if rec["order_id"] != nil {
						rec["order_id"] = tag(posPrefix, rec["order_id"])
					}
					rec["id"] = tag(posLinePrefix, rec["id"])
				}
				return upsertAll(ctx, env, s.name, s.table, []string{"id"}, recs, s.batch)
			},
		}
		if _, err := p.run(ctx, env); err != nil {
			return nil, fmt.Errorf("orders %d..%d: %w", chunk[0], chunk[len(chunk)-1], err)
		}
	}
	var empty []int64
	for _, id := range ids {
		if !seen[id] {
			empty = append(empty, id)
		}
	}
	return empty, nil
}

// ordersWithoutLines returns the numeric ids of point-of-sale orders that
// have no line rows.
func ordersWithoutLines(ctx context.Context, w storage.Warehouse, orders, lines string) ([]int64, error) {
	d := w.Dialect()
	q := fmt.Sprintf(
		"SELECT s.%s FROM %s s LEFT JOIN %s l ON s.%s = l.%s WHERE l.%s IS NULL AND s.%s LIKE %s ORDER BY s.%s",
		d.Quote("id"), d.Quote(orders), d.Quote(lines), d.Quote("id"), d.Quote("order_id"),
		d.Quote("id"), d.Quote("id"), d.Placeholder(1), d.Quote("id"),
	)
	rows, err := w.Query(ctx, q, posPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("find orders without lines: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", orders, err)
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(id, posPrefix), 10, 64)
		if err != nil {
			log.Printf("sales_lines: WARNING order id %q is not %s<number>; skipped", id, posPrefix)
			continue
		}
		ids = append(ids, n)
	}
	return ids, rows.Err()
}
