package overlay

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncverify/internal/spec"
)

// sourceText indexes YAML source bytes by line so node positions can be
// turned into byte offsets.
type sourceText struct {
	data    []byte
	starts  []int // byte offset of each line; starts[0] is line 1
	newline string
	step    int
}

func newSourceText(data []byte) *sourceText {
	s := &sourceText{data: data, starts: []int{0}, newline: "\n"}
	for i, c := range data {
		if c == '\n' && i+1 < len(data) {
			s.starts = append(s.starts, i+1)
		}
	}
	if bytes.Contains(data, []byte("\r\n")) {
		s.newline = "\r\n"
	}
	s.step = indentStep(data)
	return s
}

func (s *sourceText) lines() int { return len(s.starts) }

// lineText returns line n without its line break.
func (s *sourceText) lineText(n int) string {
	start := s.starts[n-1]
	end := len(s.data)
	if n < len(s.starts) {
		end = s.starts[n]
	}
	return strings.TrimRight(string(s.data[start:end]), "\r\n")
}

// lineEnd returns the offset just past line n's line break.
func (s *sourceText) lineEnd(n int) int {
	if n < len(s.starts) {
		return s.starts[n]
	}
	return len(s.data)
}

// offset converts a 1-based line and character column to a byte offset.
func (s *sourceText) offset(line, column int) (int, error) {
	if line < 1 || line > len(s.starts) || column < 1 {
		return 0, fmt.Errorf("position %d:%d is outside the document", line, column)
	}
	off := s.starts[line-1]
	for i := 1; i < column; i++ {
		if off >= len(s.data) || s.data[off] == '\n' {
			return 0, fmt.Errorf("position %d:%d is outside the document", line, column)
		}
		_, size := utf8.DecodeRune(s.data[off:])
		off += size
	}
	return off, nil
}

// indentStep guesses the document's indentation width from the smallest
// non-zero indent of any content line.
func indentStep(data []byte) int {
	step := 0
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimLeft(line, " ")
		if trimmed == "" || trimmed[0] == '#' || trimmed == "\r" {
			continue
		}
		if n := len(line) - len(trimmed); n > 0 && (step == 0 || n < step) {
			step = n
		}
	}
	if step < 2 {
		return 2
	}
	return step
}

// textEdit replaces data[start:end] with text.
type textEdit struct {
	start, end int
	text       string
}

// splice rewrites src so it decodes to the same content as after while
// leaving every byte outside the targeted spans untouched. before must be
// the document parsed from src and after the same document with actions
// applied. An error means the edit could not be expressed positionally.
func splice(src []byte, before, after *spec.Document, actions []Action) ([]byte, error) {
	s := newSourceText(src)

	var edits []textEdit
	for _, a := range actions {
		es, err := s.actionEdits(a, before.Node(), after.Node())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Target, err)
		}
		edits = append(edits, es...)
	}

	out, err := applyEdits(src, edits)
	if err != nil {
		return nil, err
	}

	patched, err := spec.Parse(out)
	if err != nil {
		return nil, fmt.Errorf("patched document: %w", err)
	}
	if !sameContent(patched.Node(), after.Node()) {
		return nil, fmt.Errorf("patched document differs from the overlaid document")
	}
	return out, nil
}

func (s *sourceText) actionEdits(a Action, before, after *yaml.Node) ([]textEdit, error) {
	if a.Update == nil {
		return nil, nil
	}
	old, ok := a.Target.Lookup(before)
	if !ok {
		return nil, fmt.Errorf("target not in source document")
	}
	cur, ok := a.Target.Lookup(after)
	if !ok {
		return nil, fmt.Errorf("target not in overlaid document")
	}

	switch {
	case old.Kind == yaml.ScalarNode && cur.Kind == yaml.ScalarNode:
		return s.replaceScalar(old, cur)
	case old.Kind == yaml.MappingNode && cur.Kind == yaml.MappingNode && a.Update.Kind == yaml.MappingNode:
		return s.mergeEntries(a.Target, before, old, cur, a.Update)
	default:
		return nil, fmt.Errorf("cannot patch %s with %s", kindName(old.Kind), kindName(a.Update.Kind))
	}
}

// replaceScalar rewrites old's token in its original quoting style.
func (s *sourceText) replaceScalar(old, cur *yaml.Node) ([]textEdit, error) {
	if old.Value == cur.Value {
		return nil, nil
	}
	start, end, err := s.scalarSpan(old)
	if err != nil {
		return nil, err
	}
	text, err := renderScalar(cur, old.Style)
	if err != nil {
		return nil, err
	}
	return []textEdit{{start: start, end: end, text: text}}, nil
}

// scalarSpan returns the byte span of a quoted or single-line plain scalar.
func (s *sourceText) scalarSpan(n *yaml.Node) (int, int, error) {
	start, err := s.offset(n.Line, n.Column)
	if err != nil {
		return 0, 0, err
	}
	d := s.data
	if start >= len(d) {
		return 0, 0, fmt.Errorf("scalar at %d:%d is past the end of the document", n.Line, n.Column)
	}
	switch {
	case n.Style&yaml.SingleQuotedStyle != 0 && d[start] == '\'':
		for i := start + 1; i < len(d); i++ {
			if d[i] != '\'' {
				continue
			}
			if i+1 < len(d) && d[i+1] == '\'' {
				i++
				continue
			}
			return start, i + 1, nil
		}
	case n.Style&yaml.DoubleQuotedStyle != 0 && d[start] == '"':
		for i := start + 1; i < len(d); i++ {
			switch d[i] {
			case '\\':
				i++
			case '"':
				return start, i + 1, nil
			}
		}
	case n.Style&(yaml.LiteralStyle|yaml.FoldedStyle|yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) == 0:
		end := start + len(n.Value)
		if !strings.Contains(n.Value, "\n") && end <= len(d) && string(d[start:end]) == n.Value {
			return start, end, nil
		}
	}
	return 0, 0, fmt.Errorf("scalar at %d:%d has no editable span", n.Line, n.Column)
}

// mergeEntries patches the entries of the update mapping into old. New
// keys are appended after the mapping's last entry; changed keys are
// rewritten in place.
func (s *sourceText) mergeEntries(target Path, root, old, cur, update *yaml.Node) ([]textEdit, error) {
	var edits []textEdit
	var added []*yaml.Node
	for i := 0; i+1 < len(update.Content); i += 2 {
		key := update.Content[i].Value
		curKey, curVal := mappingEntry(cur, key)
		if curVal == nil {
			return nil, fmt.Errorf("key %q missing from overlaid document", key)
		}
		oldKey, oldVal := mappingEntry(old, key)
		switch {
		case oldVal == nil:
			added = append(added, curKey, curVal)
		case sameContent(oldVal, curVal):
		case oldVal.Kind == yaml.ScalarNode && curVal.Kind == yaml.ScalarNode:
			es, err := s.replaceScalar(deref(oldVal), curVal)
			if err != nil {
				return nil, err
			}
			edits = append(edits, es...)
		default:
			e, err := s.replaceEntry(old, oldKey, oldVal, curKey, curVal)
			if err != nil {
				return nil, err
			}
			edits = append(edits, e)
		}
	}
	if len(added) == 0 {
		return edits, nil
	}

	e, err := s.insertEntries(target, root, old, added)
	if err != nil {
		return nil, err
	}
	return append(edits, e), nil
}

func (s *sourceText) insertEntries(target Path, root, old *yaml.Node, entries []*yaml.Node) (textEdit, error) {
	if old.Style&yaml.FlowStyle != 0 {
		open, err := s.offset(old.Line, old.Column)
		if err != nil {
			return textEdit{}, err
		}
		if s.data[open] != '{' {
			return textEdit{}, fmt.Errorf("flow mapping at %d:%d does not open with '{'", old.Line, old.Column)
		}
		parts := make([]string, 0, len(entries)/2)
		for i := 0; i+1 < len(entries); i += 2 {
			p, err := renderFlowEntry(entries[i], entries[i+1])
			if err != nil {
				return textEdit{}, err
			}
			parts = append(parts, p)
		}
		text := strings.Join(parts, ", ")
		if len(old.Content) > 0 {
			text += ", "
		}
		return textEdit{start: open + 1, end: open + 1, text: text}, nil
	}

	if len(old.Content) == 0 || len(target) == 0 || target[len(target)-1].IsIndex() {
		return textEdit{}, fmt.Errorf("no anchor for new entries at %d:%d", old.Line, old.Column)
	}
	parent, ok := target[:len(target)-1].Lookup(root)
	if !ok {
		return textEdit{}, fmt.Errorf("parent of target not in source document")
	}
	ownKey, _ := mappingEntry(parent, target[len(target)-1].Key)
	if ownKey == nil {
		return textEdit{}, fmt.Errorf("target key not in source document")
	}

	var b strings.Builder
	indent := old.Content[0].Column - 1
	for i := 0; i+1 < len(entries); i += 2 {
		text, err := s.renderBlockEntry(entries[i], entries[i+1], indent)
		if err != nil {
			return textEdit{}, err
		}
		b.WriteString(text)
	}

	at := s.entryEnd(ownKey, old)
	text := b.String()
	if at == len(s.data) && at > 0 && s.data[at-1] != '\n' {
		text = s.newline + text
	}
	return textEdit{start: at, end: at, text: text}, nil
}

// replaceEntry rewrites a whole block mapping entry whose value changed.
func (s *sourceText) replaceEntry(parent, oldKey, oldVal, curKey, curVal *yaml.Node) (textEdit, error) {
	if parent.Style&yaml.FlowStyle != 0 || oldVal.Style&yaml.FlowStyle != 0 {
		return textEdit{}, fmt.Errorf("entry %q at %d:%d is flow style", oldKey.Value, oldKey.Line, oldKey.Column)
	}
	start, err := s.offset(oldKey.Line, oldKey.Column)
	if err != nil {
		return textEdit{}, err
	}
	text, err := s.renderBlockEntry(curKey, curVal, oldKey.Column-1)
	if err != nil {
		return textEdit{}, err
	}
	// the first line starts at the key, not at the line's indentation
	text = text[oldKey.Column-1:]
	return textEdit{start: start, end: s.entryEnd(oldKey, oldVal), text: text}, nil
}

// entryEnd returns the offset just past the last line that belongs to the
// block entry starting at key. Trailing blank and comment-only lines are
// left to whatever follows.
func (s *sourceText) entryEnd(key, value *yaml.Node) int {
	last := key.Line
	indentless := value.Kind == yaml.SequenceNode && value.Style&yaml.FlowStyle == 0
	for n := key.Line + 1; n <= s.lines(); n++ {
		text := s.lineText(n)
		trimmed := strings.TrimLeft(text, " ")
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		column := len(text) - len(trimmed) + 1
		if column > key.Column || (indentless && column == key.Column && isSequenceEntry(trimmed)) {
			last = n
			continue
		}
		break
	}
	return s.lineEnd(last)
}

func isSequenceEntry(line string) bool {
	return line == "-" || strings.HasPrefix(line, "- ")
}

// renderBlockEntry renders key: value as block YAML indented by indent
// spaces, nesting by the document's own indent step.
func (s *sourceText) renderBlockEntry(key, value *yaml.Node, indent int) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(s.step)
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{key, value}}
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("render %s: %w", key.Value, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("render %s: %w", key.Value, err)
	}

	pad := strings.Repeat(" ", indent)
	var b strings.Builder
	for _, line := range strings.SplitAfter(buf.String(), "\n") {
		if line == "" {
			continue
		}
		if line != "\n" {
			b.WriteString(pad)
		}
		b.WriteString(strings.TrimSuffix(line, "\n"))
		b.WriteString(s.newline)
	}
	return b.String(), nil
}

// renderFlowEntry renders key: value on one line for a flow mapping.
func renderFlowEntry(key, value *yaml.Node) (string, error) {
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Style: yaml.FlowStyle, Content: []*yaml.Node{key, value}}
	out, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", key.Value, err)
	}
	text := strings.TrimSpace(string(out))
	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") || strings.Contains(text, "\n") {
		return "", fmt.Errorf("render %s: not a single-line flow mapping", key.Value)
	}
	return text[1 : len(text)-1], nil
}

// renderScalar renders n's value in style. Non-string scalars stay plain
// so they keep their resolved type.
func renderScalar(n *yaml.Node, style yaml.Style) (string, error) {
	v := n.Value
	if n.ShortTag() != "!!str" {
		style = 0
	}
	switch {
	case strings.ContainsAny(v, "\n\r\t") || style&yaml.DoubleQuotedStyle != 0:
		return marshalScalar(n.ShortTag(), v, yaml.DoubleQuotedStyle)
	case style&yaml.SingleQuotedStyle != 0 || (n.ShortTag() == "!!str" && strings.ContainsAny(v, ",[]{}")):
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	default:
		return marshalScalar(n.ShortTag(), v, 0)
	}
}

func marshalScalar(tag, value string, style yaml.Style) (string, error) {
	out, err := yaml.Marshal(&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value, Style: style})
	if err != nil {
		return "", fmt.Errorf("render scalar %q: %w", value, err)
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}

// applyEdits applies non-overlapping edits. Insertions at the same offset
// keep their order.
func applyEdits(src []byte, edits []textEdit) ([]byte, error) {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var buf bytes.Buffer
	pos := 0
	for _, e := range edits {
		if e.start < pos || e.end < e.start {
			return nil, fmt.Errorf("overlapping edits at offset %d", e.start)
		}
		buf.Write(src[pos:e.start])
		buf.WriteString(e.text)
		pos = e.end
	}
	buf.Write(src[pos:])
	return buf.Bytes(), nil
}

func mappingEntry(m *yaml.Node, key string) (*yaml.Node, *yaml.Node) {
	m = deref(m)
	if m == nil || m.Kind != yaml.MappingNode {
		return nil, nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i], m.Content[i+1]
		}
	}
	return nil, nil
}

// sameContent reports whether two trees decode to equal values.
func sameContent(a, b *yaml.Node) bool {
	var va, vb any
	if err := a.Decode(&va); err != nil {
		return false
	}
	if err := b.Decode(&vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}
