package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"odooetl/internal/config"
	"odooetl/internal/filter"
	"odooetl/internal/storage"
	"odooetl/internal/watermark"
	"odooetl/pkg/records"
)

// Branch codes are the 3 or 4 digit number inside a point-of-sale name,
// e.g. "Maadi - 104".
var branchCode = regexp.MustCompile(`\d{3,4}`)

// branchesStage loads point-of-sale configs as branches, keeps the
// config -> sales team mapping, and publishes it for the sales stage.
type branchesStage struct {
	name     string
	batch    int
	table    string // one row per branch code
	refTable string // one row per pos.config
}

func newBranchesStage(st config.Stage) *branchesStage {
	return &branchesStage{
		name:     st.Name,
		batch:    st.BatchSize,
		table:    st.Options.String("table", "dim_branches"),
		refTable: st.Options.String("ref_table", "dim_branches_branch_ref"),
	}
}

func (s *branchesStage) Name() string       { return s.name }
func (s *branchesStage) Requires() []Output { return nil }
func (s *branchesStage) Provides() []Output { return []Output{BranchTeams} }

func (s *branchesStage) Tracked() []watermark.Tracked {
	return []watermark.Tracked{{Key: "max_branch_id", Table: s.refTable, Column: "ref_id"}}
}

// splitBranch returns the branch code and the name without it.
func splitBranch(name string) (int64, string, bool) {
	code := branchCode.FindString(name)
	if code == "" {
		return 0, "", false
	}
	id, err := strconv.ParseInt(code, 10, 64)
	if err != nil {
		return 0, "", false
	}
	rest := branchCode.ReplaceAllString(name, "")
	rest = strings.TrimSpace(strings.ReplaceAll(rest, "-", ""))
	return id, rest, true
}

func (s *branchesStage) Run(ctx context.Context, env *Env, out *Outputs) error {
	p := pull{
		stage:  s.name,
		model:  "pos.config",
		domain: filter.New().In("active", []bool{true}).Build(),
		fields: []string{"id", "name", "crm_team_id"},
		batch:  s.batch,
		wmKey:  "max_branch_id",
		write: func(ctx context.Context, raw []records.Record) error {
			var branches, refs []records.Record
			for _, r := range raw {
				rec, err := records.NormalizeReferences(r, []string{"crm_team_id"}, nil)
				if err != nil {
					return err
				}
				scalarize(rec)
				name, _ := rec["name"].(string)
				code, label, ok := splitBranch(name)
				if !ok {
					log.Printf("%s: WARNING pos.config id=%v name=%q has no branch code; skipped", s.name, rec["id"], name)
					continue
				}
				branches = append(branches, records.Record{"branchid": code, "branch_name": label})
				refs = append(refs, records.Record{"ref_id": rec["id"], "branchid": code, "crm_team_id": rec["crm_team_id"]})
			}
			if err := upsertAll(ctx, env, s.name, s.table, []string{"branchid"}, branches, s.batch); err != nil {
				return err
			}
			return upsertAll(ctx, env, s.name, s.refTable, []string{"ref_id"}, refs, s.batch)
		},
	}
	if _, err := p.run(ctx, env); err != nil {
		return err
	}

	teams, err := loadBranchTeams(ctx, env.Warehouse, s.refTable)
	if err != nil {
		return err
	}
	out.BranchTeams = teams
	log.Printf("%s: %d point-of-sale configs mapped to teams", s.name, len(teams))
	return nil
}

// loadBranchTeams reads the full config -> team mapping, including rows
// written by earlier runs.
func loadBranchTeams(ctx context.Context, w storage.Warehouse, table string) (map[int64]int64, error) {
	d := w.Dialect()
	q := fmt.Sprintf("SELECT %s, %s FROM %s", d.Quote("ref_id"), d.Quote("crm_team_id"), d.Quote(table))
	rows, err := w.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()
	out := map[int64]int64{}
	for rows.Next() {
		var ref int64
		var team *int64
		if err := rows.Scan(&ref, &team); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if team != nil {
			out[ref] = *team
		}
	}
	return out, rows.Err()
}
