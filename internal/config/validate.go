package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced but does
	// not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "stages[2].entity.table").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether issues contains at least one SeverityError.
func HasErrors(issues []Issue) bool {
	return slices.ContainsFunc(issues, func(i Issue) bool { return i.Severity == SeverityError })
}

// Builtins lists the built-in stage names.
var Builtins = []string{"branches", "products", "locations", "stock", "sales", "sales_lines"}

var knownOperators = map[string]struct{}{
	"=": {}, "!=": {}, ">": {}, "<": {}, ">=": {}, "<=": {},
	"like": {}, "ilike": {}, "in": {}, "not in": {}, "=like": {}, "=ilike": {}, "child_of": {},
}

// ValidatePipeline performs static validation of a Pipeline. It does not
// check stage ordering, which depends on what each built-in stage needs.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			add(SeverityError, "timezone", "unknown timezone %q: %v", p.Timezone, err)
		}
	}
	if len(p.Stages) == 0 {
		add(SeverityError, "stages", "pipeline has no stages")
		return issues
	}

	names := map[string]int{}
	keys := map[string]string{}
	for i, st := range p.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if strings.TrimSpace(st.Name) == "" {
			add(SeverityError, path+".name", "stage name must not be empty")
		} else if prev, dup := names[st.Name]; dup {
			add(SeverityError, path+".name", "duplicate stage name %q (also stages[%d])", st.Name, prev)
		} else {
			names[st.Name] = i
		}
		if st.BatchSize < 0 {
			add(SeverityError, path+".batch_size", "batch_size must be >= 0")
		}

		switch {
		case st.Builtin != "" && st.Entity != nil:
			add(SeverityError, path, "set either builtin or entity, not both")
		case st.Builtin == "" && st.Entity == nil:
			add(SeverityError, path, "set one of builtin or entity")
		case st.Builtin != "":
			if !slices.Contains(Builtins, st.Builtin) {
				add(SeverityError, path+".builtin", "unknown built-in stage %q (want one of %s)", st.Builtin, strings.Join(Builtins, ", "))
			}
		default:
			issues = append(issues, validateEntity(path+".entity", *st.Entity, p.Timezone)...)
			if wm := st.Entity.Watermark; wm != nil && wm.Key != "" {
				if other, dup := keys[wm.Key]; dup {
					add(SeverityError, path+".entity.watermark.key", "watermark key %q already used by stage %q", wm.Key, other)
				}
				keys[wm.Key] = st.Name
			}
		}
	}
	return issues
}

func validateEntity(path string, e Entity, tz string) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, p, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path + p, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(e.Model) == "" {
		add(SeverityError, ".model", "model must not be empty")
	}
	if strings.TrimSpace(e.Table) == "" {
		add(SeverityError, ".table", "table must not be empty")
	}
	if len(e.PrimaryKey) == 0 {
		add(SeverityError, ".primary_key", "primary_key must list at least one column")
	}
	if len(e.Fields) == 0 {
		add(SeverityWarning, ".fields", "no fields listed; every stored field of %s will be fetched", e.Model)
	}

	// Columns the entity will produce, after renames.
	produced := map[string]bool{}
	fetched := map[string]bool{}
	for _, f := range e.Fields {
		fetched[f] = true
		produced[renamed(e, f)] = true
	}
	for c := range e.Constants {
		produced[renamed(e, c)] = true
	}
	if len(e.Fields) > 0 {
		for i, k := range e.PrimaryKey {
			if !produced[k] {
				add(SeverityError, fmt.Sprintf(".primary_key[%d]", i), "key column %q is not produced by fields, constants or renames", k)
			}
		}
		for _, group := range []struct {
			name   string
			fields []string
		}{
			{"references", e.References},
			{"labels", e.Labels},
			{"timezone_fields", e.TimezoneFields},
		} {
			for i, f := range group.fields {
				if !fetched[f] {
					add(SeverityWarning, fmt.Sprintf(".%s[%d]", group.name, i), "field %q is not in fields", f)
				}
			}
		}
	}
	for i, f := range e.References {
		if slices.Contains(e.Labels, f) {
			add(SeverityError, fmt.Sprintf(".references[%d]", i), "field %q is listed in both references and labels", f)
		}
	}
	if len(e.TimezoneFields) > 0 && tz == "" {
		add(SeverityWarning, ".timezone_fields", "no pipeline timezone set; values stay in UTC")
	}
	for i, term := range e.Domain {
		p := fmt.Sprintf(".domain[%d]", i)
		if len(term) != 3 {
			add(SeverityError, p, "domain term must be [field, operator, value], got %d elements", len(term))
			continue
		}
		if _, ok := term[0].(string); !ok {
			add(SeverityError, p, "domain field must be a string")
		}
		op, _ := term[1].(string)
		if _, ok := knownOperators[op]; !ok {
			add(SeverityError, p, "unknown domain operator %v", term[1])
		}
	}
	if wm := e.Watermark; wm != nil {
		if strings.TrimSpace(wm.Key) == "" {
			add(SeverityError, ".watermark.key", "watermark key must not be empty")
		}
		field := wm.Field
		if field == "" {
			field = "id"
		}
		if len(e.Fields) > 0 && !fetched[field] {
			add(SeverityError, ".watermark.field", "watermark field %q is not in fields", field)
		}
	}
	return issues
}

func renamed(e Entity, field string) string {
	if to, ok := e.Renames[field]; ok {
		return to
	}
	return field
}

// ValidateSettings checks process settings that would fail only at
// connection time.
func ValidateSettings(s Settings) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	if s.Odoo.URL == "" {
		add(SeverityError, "odoo-url", "Odoo URL is required (ODOO_URL)")
	}
	if s.Odoo.Database == "" {
		add(SeverityError, "odoo-db", "Odoo database is required (ODOO_DATABASE)")
	}
	if s.Odoo.Username == "" {
		add(SeverityError, "odoo-user", "Odoo username is required (ODOO_USERNAME)")
	}
	if s.Warehouse.DSN == "" {
		add(SeverityError, "dsn", "warehouse DSN is required (WAREHOUSE_DSN)")
	}
	if s.BatchSize <= 0 {
		add(SeverityError, "batch-size", "batch size must be > 0")
	}
	if s.FetchWorkers <= 0 {
		add(SeverityError, "fetch-workers", "fetch workers must be > 0")
	}
	if s.MaxAttempts <= 0 {
		add(SeverityError, "max-attempts", "max attempts must be > 0")
	}
	switch s.Watermark.Backend {
	case "file", "table":
	case "redis":
		if s.Watermark.RedisAddr == "" {
			add(SeverityError, "redis-addr", "redis backend needs an address (REDIS_ADDR)")
		}
	case "dynamodb":
		if s.Watermark.DynamoRegion == "" || s.Watermark.DynamoTable == "" {
			add(SeverityError, "dynamo-table", "dynamodb backend needs a region and a table")
		}
	default:
		add(SeverityError, "watermark-backend", "unknown watermark backend %q", s.Watermark.Backend)
	}
	switch s.Metrics.Backend {
	case "", "none":
	case "pushgateway":
		if s.Metrics.PushgatewayURL == "" {
			add(SeverityError, "pushgateway-url", "pushgateway backend needs a URL")
		}
	case "datadog":
		if s.Metrics.DatadogAddr == "" {
			add(SeverityError, "datadog-addr", "datadog backend needs an agent address")
		}
	default:
		add(SeverityWarning, "metrics", "unknown metrics backend %q; metrics disabled", s.Metrics.Backend)
	}
	return issues
}
