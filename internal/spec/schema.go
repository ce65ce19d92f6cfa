package spec

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Issue is a single schema violation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// SchemaError reports a document that does not have the shape protocol
// rebinding depends on.
type SchemaError struct {
	Issues []Issue
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 1 {
		return "spec document invalid: " + e.Issues[0].String()
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("spec document invalid (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

// Validate checks the document against the embedded CUE schema and
// verifies that every channel server reference resolves to a declared
// server.
func (d *Document) Validate() error {
	var data any
	if err := d.root.Content[0].Decode(&data); err != nil {
		return fmt.Errorf("decode spec document: %w", err)
	}

	var issues []Issue
	if err := validateShape(normalize(data)); err != nil {
		issues = append(issues, cueIssues(err)...)
	}
	for _, b := range d.UnresolvedBindings() {
		issues = append(issues, Issue{Path: "channels", Message: "unresolved server reference " + b})
	}
	if len(issues) > 0 {
		return &SchemaError{Issues: issues}
	}
	return nil
}

// validateShape unifies data with #Document. A fresh cue.Context is used per
// call since contexts are not safe for concurrent use.
func validateShape(data any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Document"))

	v := ctx.Encode(data)
	if err := v.Err(); err != nil {
		return err
	}
	return def.Unify(v).Validate(cue.Concrete(true))
}

func cueIssues(err error) []Issue {
	var issues []Issue
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		issues = append(issues, Issue{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

// normalize converts decoder output into values cue.Context.Encode accepts:
// maps keyed by non-strings (numeric response codes, for example) become
// string-keyed.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalize(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
