package testutil

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

//go:embed fixtures/order-api.yaml
var orderAPISpec []byte

// OrderAPISpec returns a fresh copy of the order-service specification
// fixture. Every channel starts bound to kafkaServer.
func OrderAPISpec() []byte {
	return bytes.Clone(orderAPISpec)
}

// WriteSpec writes data to dir/spec/order-api.yaml and returns the file path.
func WriteSpec(t *testing.T, dir string, data []byte) string {
	t.Helper()
	specDir := filepath.Join(dir, "spec")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	path := filepath.Join(specDir, "order-api.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// WithoutKey returns data with the mapping entry at path removed, e.g.
// WithoutKey(t, spec, "channels", "OrderAccepted").
func WithoutKey(t *testing.T, data []byte, path ...string) []byte {
	t.Helper()
	require.NotEmpty(t, path)

	var root yaml.Node
	require.NoError(t, yaml.Unmarshal(data, &root))

	node := root.Content[0]
	for _, key := range path[:len(path)-1] {
		node = mappingValue(t, node, key)
	}

	last := path[len(path)-1]
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == last {
			node.Content = append(node.Content[:i], node.Content[i+2:]...)
			out, err := yaml.Marshal(&root)
			require.NoError(t, err)
			return out
		}
	}
	t.Fatalf("key %q not found", last)
	return nil
}

func mappingValue(t *testing.T, node *yaml.Node, key string) *yaml.Node {
	t.Helper()
	require.Equal(t, yaml.MappingNode, node.Kind, "expected mapping at %q", key)
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	t.Fatalf("key %q not found", key)
	return nil
}
