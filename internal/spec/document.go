package spec

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerRefPrefix is the JSON-pointer prefix every channel server reference
// must carry to resolve against the document's servers map.
const ServerRefPrefix = "#/servers/"

// Channel is a named message stream and the servers it is bound to.
type Channel struct {
	Name       string   `json:"name"`
	ServerRefs []string `json:"server_refs"`
}

// Server is a declared transport endpoint.
type Server struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
}

// Operation is a named send/receive operation. Extensions holds the
// vendor "x-" fields attached to it.
type Operation struct {
	Name       string         `json:"name"`
	Action     string         `json:"action,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Document is a parsed specification document.
//
// The yaml.Node tree is the source of truth and is what gets mutated or
// serialized; the typed maps are a read-only view computed at parse time.
// Call Refresh after mutating the tree to recompute the view.
type Document struct {
	root *yaml.Node

	Channels   map[string]Channel
	Servers    map[string]Server
	Operations map[string]Operation
}

type rawDocument struct {
	Channels   map[string]rawChannel     `yaml:"channels"`
	Servers    map[string]rawServer      `yaml:"servers"`
	Operations map[string]map[string]any `yaml:"operations"`
}

type rawChannel struct {
	Servers []rawRef `yaml:"servers"`
}

type rawRef struct {
	Ref string `yaml:"$ref"`
}

type rawServer struct {
	Protocol string `yaml:"protocol"`
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a YAML (or JSON) specification document.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse spec document: %w", err)
	}
	return FromNode(&root)
}

// FromNode wraps an already-decoded document node. The node is retained,
// not copied.
func FromNode(root *yaml.Node) (*Document, error) {
	if root == nil || root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("parse spec document: empty document")
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse spec document: top level must be a mapping")
	}

	doc := &Document{root: root}
	if err := doc.Refresh(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Refresh recomputes the typed view from the node tree.
func (d *Document) Refresh() error {
	var raw rawDocument
	if err := d.root.Decode(&raw); err != nil {
		return fmt.Errorf("decode spec document: %w", err)
	}

	d.Channels = make(map[string]Channel, len(raw.Channels))
	for name, ch := range raw.Channels {
		refs := make([]string, 0, len(ch.Servers))
		for _, s := range ch.Servers {
			refs = append(refs, s.Ref)
		}
		d.Channels[name] = Channel{Name: name, ServerRefs: refs}
	}

	d.Servers = make(map[string]Server, len(raw.Servers))
	for id, s := range raw.Servers {
		d.Servers[id] = Server{ID: id, Protocol: s.Protocol}
	}

	d.Operations = make(map[string]Operation, len(raw.Operations))
	for name, fields := range raw.Operations {
		op := Operation{Name: name}
		if action, ok := fields["action"].(string); ok {
			op.Action = action
		}
		if ch, ok := fields["channel"].(map[string]any); ok {
			if ref, ok := ch["$ref"].(string); ok {
				op.Channel = ref
			}
		}
		for k, v := range fields {
			if strings.HasPrefix(k, "x-") {
				if op.Extensions == nil {
					op.Extensions = make(map[string]any)
				}
				op.Extensions[k] = v
			}
		}
		d.Operations[name] = op
	}
	return nil
}

// Node returns the underlying document node.
func (d *Document) Node() *yaml.Node {
	return d.root
}

// Clone returns a deep copy whose node tree shares nothing with d.
func (d *Document) Clone() *Document {
	c, err := FromNode(CloneNode(d.root))
	if err != nil {
		// d was valid when constructed and the copy is structurally identical.
		panic(fmt.Sprintf("spec: clone of valid document failed: %v", err))
	}
	return c
}

// Encode serializes the node tree with two-space indentation.
func (d *Document) Encode() ([]byte, error) {
	return d.EncodeIndent(2)
}

// EncodeIndent serializes the node tree indenting each level by spaces.
func (d *Document) EncodeIndent(spaces int) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(spaces)
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("encode spec document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode spec document: %w", err)
	}
	return buf.Bytes(), nil
}

// Channel looks up a channel by name.
func (d *Document) Channel(name string) (Channel, bool) {
	ch, ok := d.Channels[name]
	return ch, ok
}

// Operation looks up an operation by name.
func (d *Document) Operation(name string) (Operation, bool) {
	op, ok := d.Operations[name]
	return op, ok
}

// Server looks up a declared server by id.
func (d *Document) Server(id string) (Server, bool) {
	s, ok := d.Servers[id]
	return s, ok
}

// ResolveServerRef resolves a "#/servers/<id>" reference.
func (d *Document) ResolveServerRef(ref string) (Server, bool) {
	if !strings.HasPrefix(ref, ServerRefPrefix) {
		return Server{}, false
	}
	return d.Server(strings.TrimPrefix(ref, ServerRefPrefix))
}

// UnresolvedBindings returns "channel -> ref" pairs whose server reference
// does not name a declared server, sorted.
func (d *Document) UnresolvedBindings() []string {
	var out []string
	for name, ch := range d.Channels {
		for _, ref := range ch.ServerRefs {
			if _, ok := d.ResolveServerRef(ref); !ok {
				out = append(out, fmt.Sprintf("%s -> %s", name, ref))
			}
		}
	}
	sort.Strings(out)
	return out
}

// ChannelNames returns channel names in sorted order.
func (d *Document) ChannelNames() []string {
	names := make([]string, 0, len(d.Channels))
	for name := range d.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloneNode deep-copies a yaml node tree. Alias targets are copied
// alongside their aliases.
func CloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Alias != nil {
		c.Alias = CloneNode(n.Alias)
	}
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = CloneNode(child)
		}
	}
	return &c
}
