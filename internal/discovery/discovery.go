// Package discovery publishes the OSA tool catalog consumed by the OPAL
// agent runtime.
package discovery

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/rotisserie/eris"
)

// ToolPrefix is the path prefix of every tool endpoint.
const ToolPrefix = "/api/tools/"

var endpointPattern = regexp.MustCompile(`^/api/tools/osa_[a-z_]+$`)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Function is one callable tool.
type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Endpoint    string      `json:"endpoint"`
	HTTPMethod  string      `json:"httpMethod"`
}

// Response is the discovery document. It carries only a functions list.
type Response struct {
	Functions []Function `json:"functions"`
}

// Tool names.
const (
	ToolWidgetContent    = "osa_get_widget_content"
	ToolValidationHealth = "osa_get_validation_health"
	ToolAuditRecords     = "osa_query_audit_records"
	ToolRollbackOutput   = "osa_rollback_agent_output"
)

// Catalog returns the tool catalog in a stable order.
func Catalog() []Function {
	return []Function{
		{
			Name:        ToolWidgetContent,
			Description: "Return validated content for a dashboard widget with its source kind and confidence",
			Parameters: []Parameter{
				{Name: "page_id", Type: "string", Description: "Dashboard page identifier", Required: true},
				{Name: "widget_id", Type: "string", Description: "Widget identifier on the page", Required: true},
				{Name: "force_refresh", Type: "boolean", Description: "Bypass the content cache", Required: false},
			},
			Endpoint:   ToolPrefix + ToolWidgetContent,
			HTTPMethod: http.MethodPost,
		},
		{
			Name:        ToolValidationHealth,
			Description: "Return per-page gate statuses and the overall validation health color",
			Parameters: []Parameter{
				{Name: "lookback_hours", Type: "number", Description: "Audit window in hours (default 24)", Required: false},
			},
			Endpoint:   ToolPrefix + ToolValidationHealth,
			HTTPMethod: http.MethodPost,
		},
		{
			Name:        ToolAuditRecords,
			Description: "List validation audit records newest first",
			Parameters: []Parameter{
				{Name: "page_id", Type: "string", Description: "Filter by page", Required: false},
				{Name: "widget_id", Type: "string", Description: "Filter by widget", Required: false},
				{Name: "gate", Type: "string", Description: "Filter by gate kind", Required: false},
				{Name: "status", Type: "string", Description: "Filter by gate status", Required: false},
				{Name: "limit", Type: "number", Description: "Maximum records to return", Required: false},
			},
			Endpoint:   ToolPrefix + ToolAuditRecords,
			HTTPMethod: http.MethodPost,
		},
		{
			Name:        ToolRollbackOutput,
			Description: "Restore an earlier version of an agent output",
			Parameters: []Parameter{
				{Name: "audit_id", Type: "string", Description: "Agent output audit identifier", Required: true},
				{Name: "target_version", Type: "number", Description: "Version to restore (default previous)", Required: false},
			},
			Endpoint:   ToolPrefix + ToolRollbackOutput,
			HTTPMethod: http.MethodPost,
		},
	}
}

// Validate checks the catalog contract: endpoint shape, unique names and
// non-nil parameter lists.
func Validate(fns []Function) error {
	seen := make(map[string]bool, len(fns))
	for _, fn := range fns {
		if seen[fn.Name] {
			return eris.Errorf("discovery: duplicate function %q", fn.Name)
		}
		seen[fn.Name] = true
		if !endpointPattern.MatchString(fn.Endpoint) {
			return eris.Errorf("discovery: function %q has invalid endpoint %q", fn.Name, fn.Endpoint)
		}
		if fn.Parameters == nil {
			return eris.Errorf("discovery: function %q has nil parameters", fn.Name)
		}
	}
	return nil
}

// Handler serves the discovery document.
func Handler() http.Handler {
	body, err := json.Marshal(Response{Functions: Catalog()})
	if err != nil {
		panic(eris.Wrap(err, "discovery: marshal catalog"))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(body)
	})
}
