package overlay

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Segment is one step of a Path: a mapping key or a sequence index.
type Segment struct {
	Key   string
	Index int

	isIndex bool
}

// Key returns a mapping-key segment.
func Key(k string) Segment { return Segment{Key: k} }

// Index returns a sequence-index segment.
func Index(i int) Segment { return Segment{Index: i, isIndex: true} }

// IsIndex reports whether the segment addresses a sequence element.
func (s Segment) IsIndex() bool { return s.isIndex }

// Path addresses a node in a document tree.
//
// Textual forms:
//
//	channels.NewOrderPlaced.servers[0].$ref      (dot/bracket)
//	$["channels"]["NewOrderPlaced"]["servers"][0]["$ref"]   (RFC 9535 JSONPath)
//
// ParsePath accepts both; String renders the first and JSONPath the second.
type Path []Segment

// ChannelServerRef addresses channels.<channel>.servers[0].$ref.
func ChannelServerRef(channel string) Path {
	return Path{Key("channels"), Key(channel), Key("servers"), Index(0), Key("$ref")}
}

// OperationPath addresses operations.<name>.
func OperationPath(name string) Path {
	return Path{Key("operations"), Key(name)}
}

// ParsePath parses a dot/bracket or JSONPath expression. Only plain keys
// and non-negative indices are supported; wildcards and filters are not.
func ParsePath(expr string) (Path, error) {
	s := strings.TrimSpace(expr)
	if strings.HasPrefix(s, "$") {
		s = strings.TrimPrefix(s[1:], ".")
	}
	if s == "" {
		return nil, invalidPath(expr, "empty path")
	}

	var p Path
	for i := 0; i < len(s); {
		switch s[i] {
		case '.':
			if len(p) == 0 || i+1 >= len(s) || s[i+1] == '.' || s[i+1] == '[' {
				return nil, invalidPath(expr, fmt.Sprintf("unexpected '.' at offset %d", i))
			}
			i++
		case '[':
			seg, n, err := parseBracket(s[i:])
			if err != nil {
				return nil, invalidPath(expr, err.Error())
			}
			p = append(p, seg)
			i += n
		case ']':
			return nil, invalidPath(expr, fmt.Sprintf("unmatched ']' at offset %d", i))
		default:
			if i > 0 && s[i-1] != '.' {
				return nil, invalidPath(expr, fmt.Sprintf("expected '.' or '[' before offset %d", i))
			}
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' && s[j] != ']' {
				j++
			}
			p = append(p, Key(s[i:j]))
			i = j
		}
	}
	return p, nil
}

// parseBracket parses a leading [n], ["key"] or ['key'] and returns the
// segment and the number of bytes consumed.
func parseBracket(s string) (Segment, int, error) {
	if len(s) < 3 {
		return Segment{}, 0, fmt.Errorf("truncated bracket %q", s)
	}

	if q := s[1]; q == '"' || q == '\'' {
		j := 2
		for ; j < len(s); j++ {
			if s[j] == '\\' {
				j++
				continue
			}
			if s[j] == q {
				break
			}
		}
		if j >= len(s)-1 || s[j+1] != ']' {
			return Segment{}, 0, fmt.Errorf("unterminated quoted key in %q", s)
		}
		key := s[2:j]
		if q == '"' {
			unquoted, err := strconv.Unquote(s[1 : j+1])
			if err != nil {
				return Segment{}, 0, fmt.Errorf("bad quoted key %s: %w", s[1:j+1], err)
			}
			key = unquoted
		}
		return Key(key), j + 2, nil
	}

	end := strings.IndexByte(s, ']')
	if end < 0 {
		return Segment{}, 0, fmt.Errorf("missing ']' in %q", s)
	}
	n, err := strconv.Atoi(s[1:end])
	if err != nil || n < 0 {
		return Segment{}, 0, fmt.Errorf("index %q is not a non-negative integer", s[1:end])
	}
	return Index(n), end + 1, nil
}

func invalidPath(expr, reason string) *MutationError {
	return mutationError(CodeInvalidPath, expr, "invalid path expression: %s", reason)
}

// String renders the dot/bracket form. Keys that would not survive a plain
// rendering are bracket-quoted.
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		switch {
		case seg.isIndex:
			fmt.Fprintf(&b, "[%d]", seg.Index)
		case plainKey(seg.Key, i == 0):
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(seg.Key)
		default:
			b.WriteString("[" + strconv.Quote(seg.Key) + "]")
		}
	}
	return b.String()
}

// plainKey reports whether k can be written unquoted. A leading '$' is
// only ambiguous in the first segment, where it would read as the root.
func plainKey(k string, first bool) bool {
	if k == "" || strings.ContainsAny(k, ".[]\"' ") {
		return false
	}
	return !first || k[0] != '$'
}

// JSONPath renders the RFC 9535 normalized form used as an overlay target.
func (p Path) JSONPath() string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range p {
		if seg.isIndex {
			fmt.Fprintf(&b, "[%d]", seg.Index)
			continue
		}
		fmt.Fprintf(&b, "[%q]", seg.Key)
	}
	return b.String()
}

// Lookup resolves the path against a document tree. A DocumentNode root is
// unwrapped and aliases are followed.
func (p Path) Lookup(root *yaml.Node) (*yaml.Node, bool) {
	n := deref(root)
	if n != nil && n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil, false
		}
		n = deref(n.Content[0])
	}

	for _, seg := range p {
		if n == nil {
			return nil, false
		}
		switch {
		case seg.isIndex:
			if n.Kind != yaml.SequenceNode || seg.Index >= len(n.Content) {
				return nil, false
			}
			n = deref(n.Content[seg.Index])
		default:
			if n.Kind != yaml.MappingNode {
				return nil, false
			}
			var next *yaml.Node
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == seg.Key {
					next = n.Content[i+1]
					break
				}
			}
			if next == nil {
				return nil, false
			}
			n = deref(next)
		}
	}
	return n, n != nil
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}
