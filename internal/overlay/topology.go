package overlay

// Topology fixes which channels are inbound or outbound and which
// operations receive synthetic HTTP descriptors.
type Topology struct {
	Inbound             []string
	Outbound            []string
	TriggerOperation    string
	SideEffectOperation string
}

// OrderTopology returns the order service topology.
func OrderTopology() Topology {
	return Topology{
		Inbound: []string{
			"NewOrderPlaced",
			"OrderCancellationRequested",
			"OrderDeliveryInitiated",
		},
		Outbound: []string{
			"OrderInitiated",
			"OrderCancelled",
			"OrderAccepted",
		},
		TriggerOperation:    "orderAccepted",
		SideEffectOperation: "initiateOrderDelivery",
	}
}

// Binding is the server a channel is bound to under a selection.
type Binding struct {
	Channel   string    `json:"channel"`
	Direction Direction `json:"direction"`
	ServerRef string    `json:"server_ref"`
}

// Bindings lists the channel bindings a selection produces, inbound
// channels first, each group in topology order.
func (t Topology) Bindings(sel Selection) []Binding {
	out := make([]Binding, 0, len(t.Inbound)+len(t.Outbound))
	for _, name := range t.Inbound {
		out = append(out, Binding{Channel: name, Direction: Inbound, ServerRef: sel.ServerRef(Inbound)})
	}
	for _, name := range t.Outbound {
		out = append(out, Binding{Channel: name, Direction: Outbound, ServerRef: sel.ServerRef(Outbound)})
	}
	return out
}

// Direction reports the direction of a channel in this topology.
func (t Topology) Direction(channel string) (Direction, bool) {
	for _, name := range t.Inbound {
		if name == channel {
			return Inbound, true
		}
	}
	for _, name := range t.Outbound {
		if name == channel {
			return Outbound, true
		}
	}
	return 0, false
}
