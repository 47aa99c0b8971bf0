package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/payload"
)

const schemaBaseURL = "https://osa.schemas.local/widgets/"

// RequiredFields lists the fields each known widget must carry. Widgets not
// listed only need to be objects.
var RequiredFields = map[string][]string{
	"kpi-dashboard":       {"metrics", "timeframe", "dataSource"},
	"strategy-roadmap":    {"phases", "timeframe"},
	"analytics-insights":  {"insights", "dataSource"},
	"dxp-tools":           {"tools"},
	"maturity-assessment": {"maturityLevel", "score"},
}

// metricKeyTerms mark a key name as carrying a metric value.
var metricKeyTerms = []string{
	"metric", "kpi", "count", "percent", "percentage", "rate",
	"score", "total", "revenue", "conversion", "value",
}

// SchemaSet holds compiled JSON Schemas keyed by widget ID.
type SchemaSet struct {
	byWidget map[string]*jsonschema.Schema
	fallback *jsonschema.Schema
}

// DefaultSchemas compiles RequiredFields into a SchemaSet.
func DefaultSchemas() (*SchemaSet, error) {
	return CompileSchemas(RequiredFields)
}

// CompileSchemas builds one object schema per widget requiring the listed
// fields.
func CompileSchemas(required map[string][]string) (*SchemaSet, error) {
	set := &SchemaSet{byWidget: make(map[string]*jsonschema.Schema, len(required))}

	fallback, err := compileObjectSchema("_object", nil)
	if err != nil {
		return nil, err
	}
	set.fallback = fallback

	for widget, fields := range required {
		s, err := compileObjectSchema(widget, fields)
		if err != nil {
			return nil, err
		}
		set.byWidget[widget] = s
	}
	return set, nil
}

func compileObjectSchema(name string, required []string) (*jsonschema.Schema, error) {
	doc := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: marshal schema %s", name)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + name + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, eris.Wrapf(err, "gate: load schema %s", name)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: compile schema %s", name)
	}
	return s, nil
}

// For returns the schema for widgetID.
func (s *SchemaSet) For(widgetID string) *jsonschema.Schema {
	if sc, ok := s.byWidget[widgetID]; ok {
		return sc
	}
	return s.fallback
}

func (e *Engine) checkSchema(widgetID string, content model.Payload) (model.ValidationResult, error) {
	if content == nil {
		return model.Fail(model.GateSchema, "content is null", model.ActionSchemaViolation), nil
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return model.ValidationResult{}, eris.Wrap(err, "gate: marshal content")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return model.ValidationResult{}, eris.Wrap(err, "gate: decode content")
	}

	if err := e.schemas.For(widgetID).Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return model.ValidationResult{}, eris.Wrap(err, "gate: validate schema")
		}
		return model.Fail(model.GateSchema,
			fmt.Sprintf("widget %s: %s", widgetID, strings.Join(leafMessages(verr), "; ")),
			model.ActionSchemaViolation), nil
	}

	if overlap := metricOverlap(content); len(overlap) > 0 {
		return model.Fail(model.GateSchema,
			fmt.Sprintf("enhancementData overrides source metric fields: %s", strings.Join(overlap, ", ")),
			model.ActionSchemaViolation), nil
	}
	return model.Pass(model.GateSchema, "schema valid", 100), nil
}

func leafMessages(verr *jsonschema.ValidationError) []string {
	var out []string
	var collect func(v *jsonschema.ValidationError)
	collect = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, v.Message)
			return
		}
		for _, c := range v.Causes {
			collect(c)
		}
	}
	collect(verr)
	sort.Strings(out)
	return out
}

// metricOverlap returns key paths present under both sourceData and
// enhancementData whose last segment is a metric-like key. Content without
// both sub-objects has no overlap.
func metricOverlap(content model.Payload) []string {
	v := payload.FromPayload(content)
	src, ok := v.Field("sourceData")
	if !ok || src.Kind() != payload.KindObject {
		return nil
	}
	enh, ok := v.Field("enhancementData")
	if !ok || enh.Kind() != payload.KindObject {
		return nil
	}

	srcPaths := make(map[string]bool)
	for _, p := range payload.KeyPaths(src) {
		srcPaths[p] = true
	}
	var overlap []string
	for _, p := range payload.KeyPaths(enh) {
		if srcPaths[p] && IsMetricKey(lastSegment(p)) {
			overlap = append(overlap, p)
		}
	}
	return overlap
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// IsMetricKey reports whether key looks like a metric field name.
func IsMetricKey(key string) bool {
	k := strings.ToLower(key)
	for _, term := range metricKeyTerms {
		if strings.Contains(k, term) {
			return true
		}
	}
	return false
}
