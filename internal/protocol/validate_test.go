package protocol

import (
	"encoding/json"
	"math"
	"testing"

	"vitalsync.ai/internal/sim/vitals"
)

func TestValidate_AcceptsSamples(t *testing.T) {
	samples := []string{
		`{"type":"HELLO","protocol_version":"1.0","peer_name":"bot1","capabilities":{"max_queue":8}}`,
		`{"type":"REQ","protocol_version":"1.0","req_id":"r1","entity_id":"E1","kind":"HEALTH","op":"CHANGE","value":-10}`,
		`{"type":"REQ","protocol_version":"1.0","req_id":"r2","entity_id":"E2","op":"CONVERT","value":0.5}`,
		`{"type":"UPD","protocol_version":"1.0","seq":3,"entity_id":"E1","kind":"HEAT","value":40,"bound":100,"tripped":false,
		  "events":[{"type":"VALUE","actor_id":"E1","new_value":40,"delta":0.5}]}`,
		`{"type":"WELCOME","protocol_version":"1.0","peer_id":"P1","entity_id":"E1","tick_rate_hz":20,
		  "vitals":[{"type":"UPD","protocol_version":"1.0","seq":0,"entity_id":"E1","kind":"HEALTH","value":100,"bound":100,"tripped":false}]}`,
		`{"type":"ACK","protocol_version":"1.0","ack_for":"r1","accepted":true}`,
	}
	for _, s := range samples {
		if err := Validate([]byte(s)); err != nil {
			t.Fatalf("validate %s: %v", s, err)
		}
	}
}

func TestValidate_RejectsMalformed(t *testing.T) {
	bad := []string{
		`[]`,
		`{"protocol_version":"1.0"}`,
		`{"type":"REQ","protocol_version":"1.0","req_id":"r1","entity_id":"E1","kind":"HEALTH","op":"EXPLODE","value":1}`,
		`{"type":"REQ","protocol_version":"1.0","req_id":"r1","entity_id":"E1","op":"CHANGE","value":1}`,
		`{"type":"REQ","protocol_version":"1.0","req_id":"r1","entity_id":"E1","kind":"MANA","op":"SET","value":1}`,
		`{"type":"REQ","protocol_version":"1.0","req_id":"r1","entity_id":"E1","kind":"HEALTH","op":"SET","value":"ten"}`,
		`{"type":"HELLO"}`,
		`{"type":"WELCOME","protocol_version":"1.0","peer_id":"P1","entity_id":"E1","tick_rate_hz":20,
		  "vitals":[{"type":"UPD","seq":0}]}`,
	}
	for _, s := range bad {
		if err := Validate([]byte(s)); err == nil {
			t.Fatalf("expected validation error for %s", s)
		}
	}
}

func TestUpdateMsg_RoundTrip(t *testing.T) {
	u := vitals.Update{
		Seq: 7, Entity: "E1", Kind: vitals.KindHealth, Value: 0, Bound: 50, Tripped: true,
		Events: []vitals.WireEvent{
			{Type: vitals.EventBound, Actor: "E2", NewValue: 50, Delta: -50},
			{Type: vitals.EventValue, Actor: "E2", NewValue: 0, Delta: 80},
			{Type: vitals.EventTransition, Actor: "E2", Tripped: true},
		},
	}
	b, err := json.Marshal(FromUpdate(u, "P1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := Validate(b); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var m UpdateMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Owner != "P1" {
		t.Fatalf("owner=%q", m.Owner)
	}
	got := m.ToUpdate()
	if got.Seq != u.Seq || got.Entity != u.Entity || got.Kind != u.Kind || got.Bound != u.Bound || !got.Tripped {
		t.Fatalf("got %+v", got)
	}
	if len(got.Events) != 3 {
		t.Fatalf("events=%+v", got.Events)
	}
	for i := range u.Events {
		if got.Events[i] != u.Events[i] {
			t.Fatalf("event %d: got %+v want %+v", i, got.Events[i], u.Events[i])
		}
	}
}

func TestUpdateMsg_MaxBoundEncodes(t *testing.T) {
	u := vitals.Update{Seq: 1, Entity: "E1", Kind: vitals.KindHeat, Value: 10, Bound: math.MaxFloat64}
	b, err := json.Marshal(FromUpdate(u, ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := Validate(b); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
