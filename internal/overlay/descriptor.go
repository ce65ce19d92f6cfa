package overlay

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DescriptorKind distinguishes the two synthetic HTTP interactions.
type DescriptorKind string

const (
	// KindTrigger is an HTTP call the verifier makes to provoke a message.
	KindTrigger DescriptorKind = "trigger"
	// KindSideEffect is an HTTP call the verifier makes to observe a state change.
	KindSideEffect DescriptorKind = "side-effect"
)

// ExtensionKey is the vendor field the descriptor is attached under.
func (k DescriptorKind) ExtensionKey() string {
	return "x-specmatic-" + string(k)
}

// Descriptor is a synthetic HTTP interaction attached to an operation.
type Descriptor struct {
	Kind           DescriptorKind
	Method         string
	URL            string
	ExpectedStatus int
	TimeoutSeconds int
	Headers        map[string]string
	Body           string
}

// wireDescriptor fixes the field order of the serialized form. Header keys
// are emitted sorted by the encoder.
type wireDescriptor struct {
	Type             string            `yaml:"type"`
	Method           string            `yaml:"method"`
	URL              string            `yaml:"url"`
	ExpectedStatus   int               `yaml:"expectedStatus"`
	TimeoutInSeconds int               `yaml:"timeoutInSeconds"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	RequestBody      string            `yaml:"requestBody,omitempty"`
}

// Node renders the descriptor as a mapping node.
func (d Descriptor) Node() (*yaml.Node, error) {
	var n yaml.Node
	err := n.Encode(wireDescriptor{
		Type:             "http",
		Method:           d.Method,
		URL:              d.URL,
		ExpectedStatus:   d.ExpectedStatus,
		TimeoutInSeconds: d.TimeoutSeconds,
		Headers:          d.Headers,
		RequestBody:      d.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s descriptor: %w", d.Kind, err)
	}
	return &n, nil
}

// Endpoint locates the service's HTTP surface the descriptors drive.
type Endpoint struct {
	BaseURL        string `mapstructure:"base-url"`
	OrderID        int    `mapstructure:"order-id"`
	TimeoutSeconds int    `mapstructure:"timeout-seconds"`
	Timestamp      string `mapstructure:"timestamp"`
}

// DefaultEndpoint is the service on localhost:8080.
func DefaultEndpoint() Endpoint {
	return Endpoint{
		BaseURL:        "http://localhost:8080",
		OrderID:        123,
		TimeoutSeconds: 10,
		Timestamp:      "2025-04-12T14:30:00Z",
	}
}

func (e Endpoint) ordersURL() string {
	return strings.TrimRight(e.BaseURL, "/") + "/orders"
}

// Trigger is the PUT that marks an order ACCEPTED, which makes the service
// emit an OrderAccepted message.
func (e Endpoint) Trigger() Descriptor {
	return Descriptor{
		Kind:           KindTrigger,
		Method:         "PUT",
		URL:            e.ordersURL(),
		ExpectedStatus: 200,
		TimeoutSeconds: e.TimeoutSeconds,
		Headers:        map[string]string{"Content-Type": "application/json"},
		Body:           fmt.Sprintf(`{"id":%d,"status":"ACCEPTED","timestamp":%q}`, e.OrderID, e.Timestamp),
	}
}

// SideEffect is the GET that observes the order reaching SHIPPED after a
// delivery message is consumed.
func (e Endpoint) SideEffect() Descriptor {
	return Descriptor{
		Kind:           KindSideEffect,
		Method:         "GET",
		URL:            fmt.Sprintf("%s/%d?status=SHIPPED", e.ordersURL(), e.OrderID),
		ExpectedStatus: 200,
		TimeoutSeconds: e.TimeoutSeconds,
	}
}
