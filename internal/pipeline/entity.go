package pipeline

import (
	"context"
	"fmt"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

// entityStage copies one model into one table as described by a
// config.Entity.
type entityStage struct {
	name   string
	batch  int
	entity config.Entity
	domain filter.Expression
}

func newEntityStage(st config.Stage) (*entityStage, error) {
	e := *st.Entity
	domain, err := domainOf(e.Domain)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", st.Name, err)
	}
	return &entityStage{name: st.Name, batch: st.BatchSize, entity: e, domain: domain}, nil
}

// domainOf converts [field, operator, value] triples into an AND expression.
func domainOf(terms [][]any) (filter.Expression, error) {
	b := filter.New()
	for i, t := range terms {
		if len(t) != 3 {
			return nil, fmt.Errorf("domain term %d: want [field, operator, value]", i)
		}
		field, ok1 := t[0].(string)
		op, ok2 := t[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("domain term %d: field and operator must be strings", i)
		}
		b.Add(field, op, t[2])
	}
	return b.Build(), nil
}

func (s *entityStage) Name() string       { return s.name }
func (s *entityStage) Requires() []Output { return nil }
func (s *entityStage) Provides() []Output { return nil }

func (s *entityStage) Tracked() []watermark.Tracked {
	wm := s.entity.Watermark
	if wm == nil {
		return nil
	}
	field := wm.Field
	if field == "" {
		field = "id"
	}
	column := wm.Column
	if column == "" {
		column = field
		if to, ok := s.entity.Renames[field]; ok {
			column = to
		}
	}
	prefix := wm.Prefix
	if prefix == "" {
		prefix = s.entity.Prefixes[field]
	}
	return []watermark.Tracked{{Key: wm.Key, Table: s.entity.Table, Column: column, Prefix: prefix}}
}

func (s *entityStage) Run(ctx context.Context, env *Env, _ *Outputs) error {
	e := s.entity
	sh := shaper{
		refs:      e.References,
		labels:    e.Labels,
		prefixes:  e.Prefixes,
		tzFields:  e.TimezoneFields,
		loc:       env.location(),
		constants: e.Constants,
		renames:   e.Renames,
	}
	p := pull{
		stage:  s.name,
		model:  e.Model,
		domain: s.domain,
		fields: e.Fields,
		batch:  s.batch,
		write: func(ctx context.Context, raw []records.Record) error {
			recs, err := sh.applyAll(raw)
			if err != nil {
				return err
			}
			return upsertAll(ctx, env, s.name, e.Table, e.PrimaryKey, recs, s.batch)
		},
	}
	if wm := e.Watermark; wm != nil {
		p.wmKey, p.wmField = wm.Key, wm.Field
	}
	_, err := p.run(ctx, env)
	return err
}
