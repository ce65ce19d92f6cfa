package overlay

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/asyncverify/internal/spec"
)

var protocolPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// Direction is a channel's direction relative to the service under test.
type Direction int

const (
	// Inbound channels carry messages the service receives.
	Inbound Direction = iota
	// Outbound channels carry messages the service sends.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Selection is the protocol pair for one run. It is read once at run start
// and never changes afterwards.
type Selection struct {
	Receive string `json:"receive" yaml:"receive"`
	Send    string `json:"send" yaml:"send"`
}

// Validate checks both protocol names are present and well formed.
func (s Selection) Validate() error {
	if !protocolPattern.MatchString(s.Receive) {
		return mutationError(CodeInvalidProtocol, "receive", "receive protocol %q must match %s", s.Receive, protocolPattern)
	}
	if !protocolPattern.MatchString(s.Send) {
		return mutationError(CodeInvalidProtocol, "send", "send protocol %q must match %s", s.Send, protocolPattern)
	}
	return nil
}

// Protocol returns the protocol used for channels of direction d.
func (s Selection) Protocol(d Direction) string {
	if d == Outbound {
		return s.Send
	}
	return s.Receive
}

// ServerID returns the conventional server id "<protocol>Server" for d.
func (s Selection) ServerID(d Direction) string {
	return s.Protocol(d) + "Server"
}

// ServerRef returns the "#/servers/<protocol>Server" reference for d.
func (s Selection) ServerRef(d Direction) string {
	return spec.ServerRefPrefix + s.ServerID(d)
}

// Key names the pair as "<receive>-<send>". Precomputed artifacts and
// profiles are keyed by it.
func (s Selection) Key() string {
	return s.Receive + "-" + s.Send
}

func (s Selection) String() string {
	return fmt.Sprintf("receive=%s send=%s", s.Receive, s.Send)
}

// ParseKey parses a "<receive>-<send>" pair name.
func ParseKey(key string) (Selection, error) {
	receive, send, ok := strings.Cut(key, "-")
	if !ok {
		return Selection{}, mutationError(CodeInvalidProtocol, key, "pair %q must have the form <receive>-<send>", key)
	}
	sel := Selection{Receive: receive, Send: send}
	if err := sel.Validate(); err != nil {
		return Selection{}, err
	}
	return sel, nil
}
