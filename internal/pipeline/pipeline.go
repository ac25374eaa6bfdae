// Package pipeline runs the sync stages: every stage pulls one or more Odoo
// models past their watermarks, reshapes the records and upserts them into
// the warehouse.
//
// Stages run strictly in order. A stage may need values an earlier stage
// produced (branch teams, active products, internal locations); ValidateOrder
// rejects pipelines where a consumer comes before its producer. A watermark
// advances only after every batch of its model was written, so a failed run
// refetches the same window next time and the upsert makes that harmless.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"odooetl/internal/filter"
	"odooetl/internal/metrics"
	"odooetl/internal/odoo"
	"odooetl/internal/storage"
	"odooetl/internal/upsert"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

// Source is the remote record system.
type Source interface {
	Authenticate(ctx context.Context) error
	Count(ctx context.Context, model string, domain filter.Expression) (int, error)
	Fetch(ctx context.Context, q odoo.Query) ([]records.Record, error)
}

// Upserter writes record sets; *upsert.Engine satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, req upsert.Request) (upsert.Result, error)
}

var _ Upserter = (*upsert.Engine)(nil)

// Output names a value a stage publishes for later stages.
type Output string

const (
	BranchTeams       Output = "branch_teams"
	ActiveProducts    Output = "active_products"
	InternalLocations Output = "internal_locations"
)

// Outputs carries values between stages within one run.
type Outputs struct {
	// BranchTeams maps a point-of-sale config id to its sales team id.
	BranchTeams map[int64]int64
	// ActiveProducts lists product ids that are active.
	ActiveProducts []int64
	// InternalLocations lists stock locations with internal usage.
	InternalLocations []int64

	provided map[Output]bool
}

// Provide marks o as available.
func (out *Outputs) Provide(o Output) {
	if out.provided == nil {
		out.provided = map[Output]bool{}
	}
	out.provided[o] = true
}

// Has reports whether an earlier stage provided o.
func (out *Outputs) Has(o Output) bool { return out.provided[o] }

// Env is what a stage runs against.
type Env struct {
	Source     Source
	Warehouse  storage.Warehouse
	Upserter   Upserter
	Watermarks *watermark.Store

	// Location is the zone local timestamps are expressed in.
	Location *time.Location

	BatchSize    int
	FetchWorkers int

	// Now is the clock for age-style derived columns.
	Now func() time.Time
}

func (env *Env) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

func (env *Env) location() *time.Location {
	if env.Location != nil {
		return env.Location
	}
	return time.UTC
}

// Stage is one pipeline step.
type Stage interface {
	Name() string
	// Requires lists outputs that must be provided before Run.
	Requires() []Output
	// Provides lists outputs Run publishes.
	Provides() []Output
	// Tracked lists the watermarks this stage advances that can be
	// recomputed from the warehouse.
	Tracked() []watermark.Tracked
	Run(ctx context.Context, env *Env, out *Outputs) error
}

// ErrOrder reports a stage placed before the stage it depends on.
var ErrOrder = errors.New("pipeline: stage order")

// ValidateOrder checks that every required output is provided by an earlier
// stage.
func ValidateOrder(stages []Stage) error {
	var errs []error
	have := map[Output]string{}
	for _, st := range stages {
		for _, req := range st.Requires() {
			if _, ok := have[req]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s needs %s, which no earlier stage provides", ErrOrder, st.Name(), req))
			}
		}
		for _, p := range st.Provides() {
			have[p] = st.Name()
		}
	}
	return errors.Join(errs...)
}

// Tracked collects the reconcilable watermarks of stages.
func Tracked(stages []Stage) []watermark.Tracked {
	var out []watermark.Tracked
	for _, st := range stages {
		out = append(out, st.Tracked()...)
	}
	return out
}

// Runner executes stages in order.
type Runner struct {
	Env    *Env
	Stages []Stage

	// Reconcile recomputes tracked watermarks from the warehouse before the
	// first stage.
	Reconcile bool
}

// Summary reports a finished run.
type Summary struct {
	Stages  int
	Elapsed time.Duration
}

// Run authenticates, optionally reconciles watermarks, and runs every stage.
// The first failing stage aborts the run.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	start := time.Now()
	if err := ValidateOrder(r.Stages); err != nil {
		return sum, err
	}
	env := r.Env

	if err := env.Source.Authenticate(ctx); err != nil {
		return sum, fmt.Errorf("authenticate: %w", err)
	}

	env.Watermarks.Load(ctx)
	if r.Reconcile {
		tracked := Tracked(r.Stages)
		n := env.Watermarks.RefreshFromWarehouse(ctx, watermark.WarehouseMax{W: env.Warehouse}, tracked)
		log.Printf("pipeline: reconciled %d/%d watermarks from the warehouse", n, len(tracked))
		if err := env.Watermarks.Save(ctx); err != nil {
			log.Printf("pipeline: WARNING %v", err)
		}
	}

	var out Outputs
	for i, st := range r.Stages {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		log.Printf("stage %d/%d: %s starting", i+1, len(r.Stages), st.Name())
		t0 := time.Now()
		err := st.Run(ctx, env, &out)
		metrics.RecordStep(st.Name(), "run", err, time.Since(t0))
		if err != nil {
			return sum, fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		for _, p := range st.Provides() {
			out.Provide(p)
		}
		sum.Stages++
		log.Printf("stage %d/%d: %s done in %s", i+1, len(r.Stages), st.Name(), time.Since(t0).Truncate(time.Millisecond))
	}
	sum.Elapsed = time.Since(start)
	log.Printf("summary: stages=%d elapsed=%s", sum.Stages, sum.Elapsed.Truncate(time.Millisecond))
	return sum, nil
}
