package overlay

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncverify/internal/spec"
)

// Builder turns a protocol selection into the action set that rebinds every
// topology channel and attaches the trigger and side-effect descriptors.
//
// A Builder is immutable after construction and safe for concurrent use.
type Builder struct {
	topology Topology
	endpoint Endpoint
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithTopology replaces the order service topology.
func WithTopology(t Topology) BuilderOption {
	return func(b *Builder) {
		b.topology = t
	}
}

// WithEndpoint sets where the descriptors point.
func WithEndpoint(e Endpoint) BuilderOption {
	return func(b *Builder) {
		b.endpoint = e
	}
}

// NewBuilder creates a Builder for the order topology and default endpoint.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		topology: OrderTopology(),
		endpoint: DefaultEndpoint(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topology returns the topology the builder binds.
func (b *Builder) Topology() Topology {
	return b.topology
}

// Endpoint returns the endpoint the descriptors point at.
func (b *Builder) Endpoint() Endpoint {
	return b.endpoint
}

// Build returns one rebinding action per topology channel (inbound first,
// each group in topology order) followed by the trigger and side-effect
// actions.
//
// The base document is checked first: a topology channel or operation that
// is absent, a channel without servers[0], or a selected server that is not
// declared all fail with a MutationError. Nothing is skipped silently.
func (b *Builder) Build(sel Selection, base *spec.Document) ([]Action, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if base == nil {
		return nil, mutationError(CodeMissingChannel, "", "no base document")
	}
	if err := b.check(sel, base); err != nil {
		return nil, err
	}

	bindings := b.topology.Bindings(sel)
	actions := make([]Action, 0, len(bindings)+2)
	for _, bd := range bindings {
		actions = append(actions, Action{
			Target:      ChannelServerRef(bd.Channel),
			Update:      stringNode(bd.ServerRef),
			Description: fmt.Sprintf("bind %s channel %s to %s", bd.Direction, bd.Channel, bd.ServerRef),
		})
	}

	for _, aug := range []struct {
		op   string
		desc Descriptor
	}{
		{b.topology.TriggerOperation, b.endpoint.Trigger()},
		{b.topology.SideEffectOperation, b.endpoint.SideEffect()},
	} {
		node, err := aug.desc.Node()
		if err != nil {
			return nil, err
		}
		actions = append(actions, Action{
			Target:      OperationPath(aug.op),
			Update:      mappingNode(aug.desc.Kind.ExtensionKey(), node),
			Description: fmt.Sprintf("attach %s %s %s to operation %s", aug.desc.Kind, aug.desc.Method, aug.desc.URL, aug.op),
		})
	}
	return actions, nil
}

func (b *Builder) check(sel Selection, base *spec.Document) error {
	for _, bd := range b.topology.Bindings(sel) {
		ch, ok := base.Channel(bd.Channel)
		if !ok {
			return mutationError(CodeMissingChannel, bd.Channel, "%s channel %s is not declared in the base document", bd.Direction, bd.Channel)
		}
		if len(ch.ServerRefs) == 0 {
			return mutationError(CodeMissingServerBinding, bd.Channel, "channel %s has no servers[0] to rebind", bd.Channel)
		}
	}

	for _, d := range []Direction{Inbound, Outbound} {
		if _, ok := base.Server(sel.ServerID(d)); !ok {
			return mutationError(CodeUnknownServer, sel.ServerID(d), "%s protocol %q has no server %s declared", d, sel.Protocol(d), sel.ServerID(d))
		}
	}

	for _, op := range []string{b.topology.TriggerOperation, b.topology.SideEffectOperation} {
		if _, ok := base.Operation(op); !ok {
			return mutationError(CodeMissingOperation, op, "operation %s is not declared in the base document", op)
		}
	}
	return nil
}

func stringNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func mappingNode(key string, value *yaml.Node) *yaml.Node {
	return &yaml.Node{
		Kind:    yaml.MappingNode,
		Tag:     "!!map",
		Content: []*yaml.Node{stringNode(key), value},
	}
}
