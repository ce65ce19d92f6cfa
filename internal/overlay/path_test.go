package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		expr string
		want Path
	}{
		{"channels.NewOrderPlaced.servers[0].$ref", ChannelServerRef("NewOrderPlaced")},
		{`$["channels"]["NewOrderPlaced"]["servers"][0]["$ref"]`, ChannelServerRef("NewOrderPlaced")},
		{"$.operations.orderAccepted", OperationPath("orderAccepted")},
		{"operations['order.accepted']", Path{Key("operations"), Key("order.accepted")}},
		{`a["say \"hi\""][12]`, Path{Key("a"), Key(`say "hi"`), Index(12)}},
		{"[3]", Path{Index(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParsePath(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"$",
		".channels",
		"channels.",
		"channels..x",
		"channels.[0]",
		"channels[0]x",
		"channels[-1]",
		"channels[x]",
		"channels[0",
		`channels["open]`,
		"channels]",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParsePath(expr)
			require.Error(t, err)
			assert.Equal(t, CodeInvalidPath, MutationCodeOf(err))
		})
	}
}

func TestPath_Render(t *testing.T) {
	p := ChannelServerRef("NewOrderPlaced")
	assert.Equal(t, "channels.NewOrderPlaced.servers[0].$ref", p.String())
	assert.Equal(t, `$["channels"]["NewOrderPlaced"]["servers"][0]["$ref"]`, p.JSONPath())

	q := OperationPath("orderAccepted")
	assert.Equal(t, "operations.orderAccepted", q.String())
	assert.Equal(t, `$["operations"]["orderAccepted"]`, q.JSONPath())

	odd := Path{Key("$root"), Key("a.b"), Index(1), Key("c")}
	assert.Equal(t, `["$root"]["a.b"][1].c`, odd.String())

	// both renderings parse back to the same path
	for _, s := range []string{p.String(), p.JSONPath(), odd.String(), odd.JSONPath()} {
		back, err := ParsePath(s)
		require.NoError(t, err, s)
		if s == p.String() || s == p.JSONPath() {
			assert.Equal(t, p, back)
		} else {
			assert.Equal(t, odd, back)
		}
	}
}

func TestPath_Lookup(t *testing.T) {
	var root yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
base: &b
  servers:
    - $ref: "#/servers/kafkaServer"
channels:
  A: *b
`), &root))

	n, ok := ChannelServerRef("A").Lookup(&root)
	require.True(t, ok)
	assert.Equal(t, "#/servers/kafkaServer", n.Value)

	_, ok = ChannelServerRef("B").Lookup(&root)
	assert.False(t, ok)

	_, ok = Path{Key("channels"), Key("A"), Key("servers"), Index(1)}.Lookup(&root)
	assert.False(t, ok)

	_, ok = Path{Key("channels"), Index(0)}.Lookup(&root)
	assert.False(t, ok)
}
