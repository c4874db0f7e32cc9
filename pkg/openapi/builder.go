package openapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// Operation is one documented route.
type Operation struct {
	Method    string
	Path      string
	Summary   string
	Tags      []string
	Bearer    bool              // requires the admin bearer token
	Responses map[string]string // status code -> description
}

type Registry struct {
	Ops []Operation
}

func NewRegistry() *Registry { return &Registry{Ops: []Operation{}} }

func (r *Registry) Register(op Operation) {
	op.Method = strings.ToLower(op.Method)
	r.Ops = append(r.Ops, op)
}

// Build produces an OpenAPI 3.1 document for the registered operations.
// Bearer operations reference a shared http bearer scheme.
func (r *Registry) Build(serviceName, version string) map[string]any {
	paths := map[string]any{}
	for _, op := range r.Ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		responses := map[string]any{}
		codes := make([]string, 0, len(op.Responses))
		for code := range op.Responses {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			responses[code] = map[string]any{"description": op.Responses[code]}
		}
		m := map[string]any{
			"summary":   op.Summary,
			"responses": responses,
		}
		if len(op.Tags) > 0 {
			m["tags"] = op.Tags
		}
		if op.Bearer {
			m["security"] = []map[string][]string{{"bearer": {}}}
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearer": map[string]any{"type": "http", "scheme": "bearer"},
			},
		},
	}
}

// ServeHandler serves the built document as JSON.
func (r *Registry) ServeHandler(serviceName, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(serviceName, version))
	}
}
