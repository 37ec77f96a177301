package protocol

import "vitalsync.ai/internal/sim/vitals"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	PeerName        string            `json:"peer_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	PeerID          string      `json:"peer_id"`
	EntityID        string      `json:"entity_id"`
	TickRateHz      int         `json:"tick_rate_hz"`
	Vitals          []UpdateMsg `json:"vitals"`
}

// OpConvert reports conversion progress of a target entity. It is handled by
// the host, not by a vital.
const OpConvert = "CONVERT"

// REQ (client -> server)
type ReqMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ReqID           string  `json:"req_id"`
	EntityID        string  `json:"entity_id"`
	Kind            string  `json:"kind,omitempty"`
	Op              string  `json:"op"`
	Value           float64 `json:"value"`
	ActorID         string  `json:"actor_id,omitempty"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}

// UPD (server -> client): full state of one vital after a committed mutation,
// plus the events it produced in emit order.
type UpdateMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Seq             uint64     `json:"seq"`
	EntityID        string     `json:"entity_id"`
	Owner           string     `json:"owner,omitempty"`
	Kind            string     `json:"kind"`
	Value           float64    `json:"value"`
	Bound           float64    `json:"bound"`
	Tripped         bool       `json:"tripped"`
	Events          []EventMsg `json:"events,omitempty"`
}

type EventMsg struct {
	Type     string  `json:"type"`
	ActorID  string  `json:"actor_id,omitempty"`
	NewValue float64 `json:"new_value,omitempty"`
	Delta    float64 `json:"delta,omitempty"`
	Tripped  bool    `json:"tripped,omitempty"`
}

// DESPAWN (server -> client)
type DespawnMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        string `json:"entity_id"`
}

// TINT (server -> one client): visual feedback for an entity, only sent to
// the peer that caused it.
type TintMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	EntityID        string  `json:"entity_id"`
	Color           string  `json:"color"`
	Amount          float64 `json:"amount"`
}

func FromUpdate(u vitals.Update, owner string) UpdateMsg {
	m := UpdateMsg{
		Type:            TypeUpdate,
		ProtocolVersion: Version,
		Seq:             u.Seq,
		EntityID:        string(u.Entity),
		Owner:           owner,
		Kind:            string(u.Kind),
		Value:           u.Value,
		Bound:           u.Bound,
		Tripped:         u.Tripped,
	}
	if len(u.Events) > 0 {
		m.Events = make([]EventMsg, 0, len(u.Events))
		for _, e := range u.Events {
			m.Events = append(m.Events, EventMsg{
				Type:     string(e.Type),
				ActorID:  string(e.Actor),
				NewValue: e.NewValue,
				Delta:    e.Delta,
				Tripped:  e.Tripped,
			})
		}
	}
	return m
}

func (m UpdateMsg) ToUpdate() vitals.Update {
	u := vitals.Update{
		Seq:     m.Seq,
		Entity:  vitals.EntityID(m.EntityID),
		Kind:    vitals.Kind(m.Kind),
		Value:   m.Value,
		Bound:   m.Bound,
		Tripped: m.Tripped,
	}
	if len(m.Events) > 0 {
		u.Events = make([]vitals.WireEvent, 0, len(m.Events))
		for _, e := range m.Events {
			u.Events = append(u.Events, vitals.WireEvent{
				Type:     vitals.EventType(e.Type),
				Actor:    vitals.ActorID(e.ActorID),
				NewValue: e.NewValue,
				Delta:    e.Delta,
				Tripped:  e.Tripped,
			})
		}
	}
	return u
}

// Request converts a vital REQ into a core request. It does not validate the op.
func (m ReqMsg) Request() vitals.Request {
	return vitals.Request{
		Entity: vitals.EntityID(m.EntityID),
		Kind:   vitals.Kind(m.Kind),
		Op:     vitals.Op(m.Op),
		Value:  m.Value,
		Actor:  vitals.ActorID(m.ActorID),
	}
}
