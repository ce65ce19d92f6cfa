package spec

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncverify/internal/testutil"
)

func TestParse_OrderAPI(t *testing.T) {
	doc, err := Parse(testutil.OrderAPISpec())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"NewOrderPlaced",
		"OrderAccepted",
		"OrderCancellationRequested",
		"OrderCancelled",
		"OrderDeliveryInitiated",
		"OrderInitiated",
	}, doc.ChannelNames())

	ch, ok := doc.Channel("NewOrderPlaced")
	require.True(t, ok)
	assert.Equal(t, []string{"#/servers/kafkaServer"}, ch.ServerRefs)

	srv, ok := doc.ResolveServerRef("#/servers/amqpServer")
	require.True(t, ok)
	assert.Equal(t, "amqp", srv.Protocol)

	op, ok := doc.Operation("initiateOrderDelivery")
	require.True(t, ok)
	assert.Equal(t, "receive", op.Action)
	assert.Equal(t, "#/channels/OrderDeliveryInitiated", op.Channel)
	assert.Empty(t, op.Extensions)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"scalar top level", "just a string\n"},
		{"sequence top level", "- a\n- b\n"},
		{"malformed yaml", "channels: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParse_CollectsOperationExtensions(t *testing.T) {
	doc, err := Parse([]byte(`
channels: {}
servers: {}
operations:
  orderAccepted:
    action: send
    x-specmatic-trigger:
      type: http
      method: PUT
`))
	require.NoError(t, err)

	op, ok := doc.Operation("orderAccepted")
	require.True(t, ok)
	require.Contains(t, op.Extensions, "x-specmatic-trigger")
	trigger := op.Extensions["x-specmatic-trigger"].(map[string]any)
	assert.Equal(t, "PUT", trigger["method"])
}

func TestLoad(t *testing.T) {
	path := testutil.WriteSpec(t, t.TempDir(), testutil.OrderAPISpec())

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Channels, 6)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDocument_EncodeRoundTripPreservesContent(t *testing.T) {
	doc, err := Parse(testutil.OrderAPISpec())
	require.NoError(t, err)

	out, err := doc.Encode()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, doc.Channels, again.Channels)
	assert.Equal(t, doc.Servers, again.Servers)
	assert.Equal(t, doc.Operations, again.Operations)

	// comments survive the node round trip
	assert.Contains(t, string(out), "# inbound to the order service")
}

func TestDocument_EncodeIndent(t *testing.T) {
	doc, err := Parse([]byte("info:\n  title: Order API\n"))
	require.NoError(t, err)

	out, err := doc.EncodeIndent(4)
	require.NoError(t, err)
	assert.Equal(t, "info:\n    title: Order API\n", string(out))
}

func TestDocument_CloneIsIndependent(t *testing.T) {
	doc, err := Parse(testutil.OrderAPISpec())
	require.NoError(t, err)

	clone := doc.Clone()
	ref := findRef(t, clone.Node().Content[0], "NewOrderPlaced")
	ref.Value = "#/servers/amqpServer"
	require.NoError(t, clone.Refresh())

	orig, _ := doc.Channel("NewOrderPlaced")
	changed, _ := clone.Channel("NewOrderPlaced")
	assert.Equal(t, []string{"#/servers/kafkaServer"}, orig.ServerRefs)
	assert.Equal(t, []string{"#/servers/amqpServer"}, changed.ServerRefs)
}

func TestDocument_UnresolvedBindings(t *testing.T) {
	doc, err := Parse([]byte(`
servers:
  kafkaServer:
    protocol: kafka
channels:
  A:
    servers:
      - $ref: "#/servers/kafkaServer"
  B:
    servers:
      - $ref: "#/servers/natsServer"
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"B -> #/servers/natsServer"}, doc.UnresolvedBindings())
}

func findRef(t *testing.T, top *yaml.Node, channel string) *yaml.Node {
	t.Helper()
	channels := lookup(t, top, "channels")
	ch := lookup(t, channels, channel)
	servers := lookup(t, ch, "servers")
	require.NotEmpty(t, servers.Content)
	return lookup(t, servers.Content[0], "$ref")
}

func lookup(t *testing.T, n *yaml.Node, key string) *yaml.Node {
	t.Helper()
	for i := 0; i < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	t.Fatalf("key %q not found", key)
	return nil
}
