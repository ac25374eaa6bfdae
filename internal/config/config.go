// Package config defines the pipeline file model and the process settings for
// the sync.
//
// A pipeline file lists stages in execution order. A stage is either one of
// the built-in stages (branches, products, locations, stock, sales,
// sales_lines) or a generic entity: one Odoo model copied into one
// warehouse table, with optional renames, reference flattening, id prefixes,
// timezone conversion and an incremental watermark.
//
// Example (trimmed):
//
//	timezone: Africa/Cairo
//	stages:
//	  - name: branches
//	    builtin: branches
//	  - name: categories
//	    entity:
//	      model: product.category
//	      table: dim_categories
//	      fields: [id, name, parent_id]
//	      references: [parent_id]
//	      renames: {id: category_id}
//	      primary_key: [category_id]
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level object decoded from a pipeline file.
type Pipeline struct {
	// Timezone is the IANA zone that UTC timestamps are converted into for
	// fields listed in an entity's timezone_fields.
	Timezone string  `yaml:"timezone" json:"timezone"`
	Stages   []Stage `yaml:"stages" json:"stages"`
}

// Stage is one step of the pipeline. Exactly one of Builtin and Entity is
// set.
type Stage struct {
	Name    string  `yaml:"name" json:"name"`
	Builtin string  `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	Entity  *Entity `yaml:"entity,omitempty" json:"entity,omitempty"`

	// BatchSize overrides the process batch size for this stage.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`

	// Options is interpreted by the built-in stage.
	Options Options `yaml:"options,omitempty" json:"options,omitempty"`
}

// Entity copies one Odoo model into one warehouse table.
type Entity struct {
	Model  string   `yaml:"model" json:"model"`
	Table  string   `yaml:"table" json:"table"`
	Fields []string `yaml:"fields" json:"fields"`

	// Domain is a list of [field, operator, value] triples, AND-ed.
	Domain [][]any `yaml:"domain,omitempty" json:"domain,omitempty"`

	// PrimaryKey names warehouse columns, i.e. after Renames.
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`

	// References are relational fields flattened to their id.
	References []string `yaml:"references,omitempty" json:"references,omitempty"`
	// Labels are relational fields flattened to their display label.
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`

	// Prefixes maps a field to a tag prepended to its value, e.g. id: "POS-".
	Prefixes map[string]string `yaml:"prefixes,omitempty" json:"prefixes,omitempty"`

	// TimezoneFields are UTC datetimes converted to the pipeline timezone.
	TimezoneFields []string `yaml:"timezone_fields,omitempty" json:"timezone_fields,omitempty"`

	// Constants are columns added to every record.
	Constants map[string]any `yaml:"constants,omitempty" json:"constants,omitempty"`

	// Renames maps source field names to warehouse column names. Applied
	// last.
	Renames map[string]string `yaml:"renames,omitempty" json:"renames,omitempty"`

	Watermark *EntityWatermark `yaml:"watermark,omitempty" json:"watermark,omitempty"`
}

// EntityWatermark makes an entity incremental: only records whose Field is
// greater than the stored watermark Key are fetched.
type EntityWatermark struct {
	Key   string `yaml:"key" json:"key"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"` // Odoo field, default "id"

	// Column and Prefix locate the same value in the warehouse so the
	// watermark can be recomputed. Column defaults to the renamed Field.
	Column string `yaml:"column,omitempty" json:"column,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

//go:embed default_pipeline.yaml
var defaultPipeline []byte

// DefaultPipeline returns the built-in pipeline.
func DefaultPipeline() (Pipeline, error) {
	return ParsePipeline(defaultPipeline, "yaml")
}

// LoadPipeline reads the pipeline file at path, choosing the decoder by
// extension (.yaml, .yml or .json). An empty path loads the built-in
// pipeline.
func LoadPipeline(path string) (Pipeline, error) {
	if path == "" {
		return DefaultPipeline()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: read pipeline: %w", err)
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".json":
		format = "json"
	default:
		return Pipeline{}, fmt.Errorf("config: %s: unsupported pipeline extension (want .yaml, .yml or .json)", path)
	}
	p, err := ParsePipeline(data, format)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes data as "yaml" or "json". Unknown keys are errors.
func ParsePipeline(data []byte, format string) (Pipeline, error) {
	var p Pipeline
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("decode yaml: %w", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("decode json: %w", err)
		}
	default:
		return Pipeline{}, fmt.Errorf("unknown pipeline format %q", format)
	}
	return p, nil
}

// Options is a small helper to fetch typed values from the free-form
// options of a built-in stage. It performs only minimal type coercion and
// returns the provided default when a key is absent or of an unexpected
// type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. YAML yields int, JSON yields
// json.Number or float64; all are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		if n, ok := toInt64(v); ok {
			return int(n)
		}
	}
	return def
}

// Int64s returns the integer elements of a list value for key. Non-integer
// elements are skipped; a missing key yields nil.
func (o Options) Int64s(key string) []int64 {
	v, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(v))
	for _, x := range v {
		if n, ok := toInt64(x); ok {
			out = append(out, n)
		}
	}
	return out
}

// StringSlice returns a []string for key when the value is a list of
// strings. Returns nil when the key is missing or the value is not a list.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
