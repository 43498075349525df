// Package tools defines the tool-calling boundary: the OpenAI-format
// schemas advertised to the model and the executor registry the
// tool-call loop dispatches into. The executors themselves live in
// external collaborators; this package only owns names, schemas, and
// dispatch.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Executor runs a named tool with parsed JSON arguments and returns a
// textual result. The loop treats it as opaque, possibly slow, and
// possibly failing.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Func adapts a function to a single-tool executor.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Registry maps tool names to executors. Unknown names return a
// deterministic result instead of an error so one hallucinated tool
// name never aborts a response.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		funcs:  make(map[string]Func),
		logger: logger,
	}
}

// Register binds a tool name to an executor function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Execute dispatches to the registered executor.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("unknown tool requested", "tool", name)
		return fmt.Sprintf("Tool %q is not available.", name), nil
	}
	return fn(ctx, args)
}

// Definitions returns the OpenAI-format tool schemas for the site
// assistant: cached-content lookups, guarded live fetches, GitHub
// cache access, and a web-search escape hatch.
func Definitions() []map[string]any {
	return []map[string]any{
		fn("fetch_site_page",
			"Fetch cached content for a specific site page or section (slug or URL).",
			obj(props{
				"slug_or_url": prop("string", "Slug like 'projects' or full URL to mbabbott.com content."),
			}, "slug_or_url")),
		fn("search_site",
			"Keyword search over cached mbabbott.com content.",
			obj(props{
				"query":       prop("string", "Keywords to search for"),
				"max_results": prop("integer", "Max snippets to return"),
			}, "query")),
		fn("what_matthew_wants",
			"Matthew's own guidance or tongue-in-cheek blurb to echo.",
			obj(props{})),
		fn("search_web",
			"Run a web search when site context is insufficient.",
			obj(props{
				"query":       prop("string", ""),
				"max_results": prop("integer", ""),
			}, "query")),
		fn("list_github_repos",
			"List cached public GitHub repos for matthewabbott with metadata.",
			obj(props{})),
		fn("get_github_repo",
			"Fetch cached README or a specific cached file from a GitHub repo.",
			obj(props{
				"name": prop("string", "Repository name (without owner)."),
				"file": prop("string", "Optional path within the cached repo (default README.md)."),
			}, "name")),
		fn("fetch_live_page",
			"Fetch a live mbabbott.com page (guarded) and return stripped text.",
			obj(props{
				"slug_or_url": prop("string", "Slug like 'projects' or full mbabbott.com URL."),
			}, "slug_or_url")),
	}
}

// Schema construction helpers. The shapes are the OpenAI function-tool
// wire format; keeping them as maps avoids a one-off struct zoo for
// what is ultimately opaque JSON to this worker.

type props map[string]map[string]any

func prop(typ, desc string) map[string]any {
	p := map[string]any{"type": typ}
	if desc != "" {
		p["description"] = desc
	}
	return p
}

func obj(properties props, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]map[string]any(properties),
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func fn(name, description string, parameters map[string]any) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}
}
