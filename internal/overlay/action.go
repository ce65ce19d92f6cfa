package overlay

import (
	"bytes"
	"fmt"

	ovl "github.com/speakeasy-api/openapi-overlay/pkg/overlay"
	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncverify/internal/spec"
)

const (
	// ArtifactVersion is the only overlay document version accepted.
	ArtifactVersion = "1.0.0"

	// JSONPathRFC9535 selects RFC 9535 target evaluation.
	JSONPathRFC9535 = "rfc9535"
)

// Action is a single targeted patch: the node at Target is merged with
// Update (scalars replaced, mappings merged key by key).
type Action struct {
	Target      Path
	Update      *yaml.Node
	Description string
}

// Info is the overlay artifact's metadata block.
type Info struct {
	Title   string
	Version string
}

// InfoFor names the artifact after the pair it binds.
func InfoFor(sel Selection) Info {
	return Info{Title: "order service bindings " + sel.Key(), Version: ArtifactVersion}
}

// Render builds an overlay artifact from an action set. Targets are
// rendered as RFC 9535 normalized paths; updates are deep-copied.
func Render(actions []Action, info Info) *ovl.Overlay {
	o := &ovl.Overlay{
		Version:         ArtifactVersion,
		JSONPathVersion: JSONPathRFC9535,
		Info: ovl.Info{
			Title:   info.Title,
			Version: info.Version,
		},
		Actions: make([]ovl.Action, 0, len(actions)),
	}
	for _, a := range actions {
		o.Actions = append(o.Actions, ovl.Action{
			Target:      a.Target.JSONPath(),
			Description: a.Description,
			Update:      *spec.CloneNode(a.Update),
		})
	}
	return o
}

// Encode serializes an overlay artifact with two-space indentation.
func Encode(o *ovl.Overlay) ([]byte, error) {
	var buf bytes.Buffer
	if err := o.Format(&buf); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses and validates an overlay artifact.
func Decode(data []byte) (*ovl.Overlay, error) {
	var o ovl.Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, &MutationError{Code: CodeInvalidArtifact, Message: "overlay artifact is not valid YAML", Err: err}
	}
	if err := Check(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Check validates artifact structure and requires RFC 9535 targets.
func Check(o *ovl.Overlay) error {
	if err := o.Validate(); err != nil {
		return &MutationError{Code: CodeInvalidArtifact, Subject: o.Info.Title, Message: "overlay artifact failed validation", Err: err}
	}
	if !o.UsesRFC9535() {
		return mutationError(CodeInvalidArtifact, o.Info.Title, "overlay artifact must declare x-speakeasy-jsonpath: %s", JSONPathRFC9535)
	}
	return nil
}

// ApplyStrict applies o to root in place. Every target must select at
// least one node; otherwise the result is an APPLY_FAILED MutationError and
// root may be partially modified, so callers apply to a copy when that
// matters. Non-fatal warnings (such as an action that changed nothing) are
// returned alongside.
func ApplyStrict(o *ovl.Overlay, root *yaml.Node) ([]string, error) {
	err, warnings := o.ApplyToStrict(root)
	if err != nil {
		return warnings, &MutationError{Code: CodeApplyFailed, Subject: o.Info.Title, Message: "overlay did not apply cleanly", Err: err}
	}
	return warnings, nil
}

// Targets lists the JSONPath targets of an artifact in order.
func Targets(o *ovl.Overlay) []string {
	out := make([]string, len(o.Actions))
	for i, a := range o.Actions {
		out[i] = a.Target
	}
	return out
}
