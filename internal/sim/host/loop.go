package host

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/registry"
	"vitalsync.ai/internal/sim/vitals"
)

func (h *Host) Run(ctx context.Context) error {
	defer h.doneOnce.Do(func() { close(h.done) })

	interval := time.Second / time.Duration(h.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case req := <-h.join:
			h.handleJoin(req)
		case peer := <-h.leave:
			h.handleLeave(peer)
		case env := <-h.inbox:
			h.handleRequest(env)
		case req := <-h.tune:
			h.handleTune(req)
		case req := <-h.spawn:
			h.handleSpawn(req)
		case req := <-h.activation:
			h.handleActivation(req)
		case req := <-h.stateReq:
			req.Resp <- h.snapshotState()
		case req := <-h.snapshotReq:
			h.handleSnapshotRequest(req)
		case <-ticker.C:
			h.StepOnce()
		}
	}
}

func (h *Host) Stop() { h.stopOnce.Do(func() { close(h.stop) }) }

// StepOnce advances one tick: due scheduler tasks (drains) run, then periodic
// snapshots are taken. It is exported for deterministic tests and tools.
func (h *Host) StepOnce() uint64 {
	tick := h.tick.Add(1)
	h.runDue(h.clock.Now())
	h.metrics.tick.Set(float64(tick))
	if n := h.cfg.SnapshotEveryTicks; n > 0 && tick%n == 0 {
		if err := h.emitSnapshot(tick); err != nil {
			h.logger.Printf("snapshot tick=%d: %v", tick, err)
		}
	}
	return tick
}

func (h *Host) handleJoin(req JoinRequest) {
	name := req.Name
	if name == "" {
		name = "peer"
	}
	peer := fmt.Sprintf("P%d", h.nextPeerNum.Add(1))
	e := h.spawnEntity(name, peer)

	h.clients[peer] = &clientState{Out: req.Out, Entity: e.id}
	h.owned[peer] = e.id
	h.metrics.clients.Set(float64(len(h.clients)))
	h.logger.Printf("join peer=%s entity=%s name=%s", peer, e.id, name)

	if req.Resp != nil {
		req.Resp <- JoinResponse{Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			PeerID:          peer,
			EntityID:        string(e.id),
			TickRateHz:      h.cfg.TickRateHz,
			Vitals:          h.allVitals(),
		}}
	}
}

func (h *Host) handleLeave(peer string) {
	if c := h.clients[peer]; c != nil {
		delete(h.clients, peer)
		h.metrics.clients.Set(float64(len(h.clients)))
	}
	id, ok := h.owned[peer]
	if !ok {
		return
	}
	delete(h.owned, peer)
	if e := h.entities[id]; e != nil {
		h.despawn(e)
	}
	h.logger.Printf("leave peer=%s entity=%s", peer, id)
}

func (h *Host) newEntity(id vitals.EntityID, name, owner string) *entity {
	deps := vitals.Deps{Transport: h, Resolver: h.registry, Bus: h.bus}
	return &entity{
		id:     id,
		name:   name,
		owner:  owner,
		health: vitals.NewHealth(id, h.cfg.MaxHealth, deps),
		heat:   vitals.NewHeat(id, h.cfg.Heat, deps),
	}
}

// spawnEntity creates, registers, and activates an entity, then announces
// its initial state to every connected peer.
func (h *Host) spawnEntity(name, owner string) *entity {
	id := vitals.EntityID(fmt.Sprintf("E%d", h.nextEntityNum.Add(1)))
	e := h.newEntity(id, name, owner)
	h.addEntity(e, true)
	h.logEvent(EventLogEntry{Type: EntrySpawn, Entity: string(id), Owner: owner, Name: name})
	for _, v := range e.all() {
		h.announce(e, v)
	}
	return e
}

func (h *Host) addEntity(e *entity, active bool) {
	h.entities[e.id] = e
	h.registry.Register(registry.Actor{ID: vitals.ActorID(e.id), Name: e.name, PeerID: e.owner})
	if active {
		for _, v := range e.all() {
			v.Activate(h)
		}
	}
	h.metrics.entities.Set(float64(len(h.entities)))
}

func (h *Host) despawn(e *entity) {
	for _, v := range e.all() {
		v.Deactivate()
	}
	delete(h.entities, e.id)
	h.registry.Unregister(vitals.ActorID(e.id))
	h.metrics.entities.Set(float64(len(h.entities)))
	h.logEvent(EventLogEntry{Type: EntryDespawn, Entity: string(e.id), Owner: e.owner, Name: e.name})

	if b, err := json.Marshal(protocol.DespawnMsg{
		Type:            protocol.TypeDespawn,
		ProtocolVersion: protocol.Version,
		EntityID:        string(e.id),
	}); err == nil {
		h.broadcastRaw(b)
	}
}

// announce sends the current state of v, without events, to every peer.
func (h *Host) announce(e *entity, v *vitals.Vital) {
	b, err := json.Marshal(protocol.FromUpdate(v.Snapshot(), e.owner))
	if err != nil {
		h.logger.Printf("announce %s/%s: %v", e.id, v.Kind(), err)
		return
	}
	h.broadcastRaw(b)
}

func (h *Host) sortedEntities() []*entity {
	out := make([]*entity, 0, len(h.entities))
	for _, e := range h.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return entityLess(out[i].id, out[j].id) })
	return out
}

// entityLess orders E2 before E10.
func entityLess(a, b vitals.EntityID) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (h *Host) allVitals() []protocol.UpdateMsg {
	var out []protocol.UpdateMsg
	for _, e := range h.sortedEntities() {
		for _, v := range e.all() {
			out = append(out, protocol.FromUpdate(v.Snapshot(), e.owner))
		}
	}
	return out
}

func (h *Host) ack(peer, reqID, code, msg string) {
	if peer == "" {
		return
	}
	a := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        code == "",
		Code:            code,
		Message:         msg,
		ServerTick:      h.tick.Load(),
	}
	if err := h.SendTo(peer, a); err != nil {
		h.logger.Printf("ack peer=%s req=%s: %v", peer, reqID, err)
	}
}

func (h *Host) handleRequest(env RequestEnvelope) {
	code, msg := h.applyRequest(env)
	h.metrics.observeRequest(env.Req.Op, code)
	h.ack(env.PeerID, env.Req.ReqID, code, msg)
}

// applyRequest validates and commits a REQ. It returns a protocol error code,
// or "" when the request was accepted.
func (h *Host) applyRequest(env RequestEnvelope) (code, msg string) {
	req := env.Req
	if env.PeerID != "" && h.clients[env.PeerID] == nil {
		return protocol.ErrNoPermission, "peer is not connected"
	}
	sender := h.owned[env.PeerID]

	target := h.entities[vitals.EntityID(req.EntityID)]
	if target == nil {
		return protocol.ErrNotFound, "unknown entity"
	}
	if req.Op == protocol.OpConvert {
		return h.applyConversion(env, sender, target)
	}

	kind := vitals.Kind(req.Kind)
	op := vitals.Op(req.Op)
	if !kind.Valid() {
		return protocol.ErrBadRequest, "unknown kind"
	}
	if !op.Valid() {
		return protocol.ErrBadRequest, "unknown op"
	}

	r := req.Request()
	if env.PeerID != "" {
		// Peers may damage or heal anyone, but only reconfigure their own
		// entity, and only ever act as themselves or as an unknown source.
		if op != vitals.OpChange && target.owner != env.PeerID {
			return protocol.ErrNoPermission, "not the owner"
		}
		if r.Actor != vitals.UnknownActor && r.Actor != vitals.ActorID(sender) {
			return protocol.ErrNoPermission, "actor mismatch"
		}
	}

	if err := target.vital(kind).Apply(r); err != nil {
		h.logger.Printf("apply %s %s/%s: %v", op, target.id, kind, err)
		return protocol.ErrInternal, err.Error()
	}
	return "", ""
}

type tuneReq struct {
	Req  vitals.Request
	Resp chan error
}

// Tune applies a debug mutation on the loop. An empty Entity applies it to
// every entity. Changes are attributed to the unknown source and broadcast
// like any other mutation.
func (h *Host) Tune(ctx context.Context, req vitals.Request) error {
	resp := make(chan error, 1)
	select {
	case h.tune <- tuneReq{Req: req, Resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) handleTune(req tuneReq) {
	req.Resp <- h.applyTune(req.Req)
}

func (h *Host) applyTune(r vitals.Request) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if !r.Op.Valid() {
		return fmt.Errorf("%w: %q", vitals.ErrUnknownOp, r.Op)
	}
	r.Actor = vitals.UnknownActor

	var targets []*entity
	if r.Entity == "" {
		targets = h.sortedEntities()
	} else {
		e := h.entities[r.Entity]
		if e == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, r.Entity)
		}
		targets = []*entity{e}
	}
	for _, e := range targets {
		if err := e.vital(r.Kind).Apply(r); err != nil {
			return err
		}
	}
	return nil
}

type spawnReq struct {
	Name string
	Resp chan vitals.EntityID
}

// Spawn creates a host-owned entity, e.g. a training dummy or minion.
func (h *Host) Spawn(ctx context.Context, name string) (vitals.EntityID, error) {
	resp := make(chan vitals.EntityID, 1)
	select {
	case h.spawn <- spawnReq{Name: name, Resp: resp}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case id := <-resp:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Host) handleSpawn(req spawnReq) {
	name := req.Name
	if name == "" {
		name = "npc"
	}
	e := h.spawnEntity(name, "")
	req.Resp <- e.id
}

type activationReq struct {
	Entity vitals.EntityID
	Active bool
	Resp   chan error
}

// SetActive attaches or detaches an entity's vitals from the bus and drain.
// Repeated calls with the same value are no-ops.
func (h *Host) SetActive(ctx context.Context, id vitals.EntityID, active bool) error {
	resp := make(chan error, 1)
	select {
	case h.activation <- activationReq{Entity: id, Active: active, Resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) handleActivation(req activationReq) {
	req.Resp <- h.setActive(req.Entity, req.Active)
}

func (h *Host) setActive(id vitals.EntityID, active bool) error {
	e := h.entities[id]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, v := range e.all() {
		if active {
			v.Activate(h)
		} else {
			v.Deactivate()
		}
	}
	return nil
}

type VitalState struct {
	Kind    vitals.Kind `json:"kind"`
	Value   float64     `json:"value"`
	Bound   float64     `json:"bound"`
	Tripped bool        `json:"tripped"`
	Seq     uint64      `json:"seq"`
}

type EntityState struct {
	ID     vitals.EntityID `json:"id"`
	Name   string          `json:"name"`
	Owner  string          `json:"owner,omitempty"`
	Active bool            `json:"active"`
	Vitals []VitalState    `json:"vitals"`
}

type State struct {
	HostID   string        `json:"host_id"`
	Tick     uint64        `json:"tick"`
	Clients  int           `json:"clients"`
	Entities []EntityState `json:"entities"`
}

type stateReq struct {
	Resp chan State
}

// State returns a consistent view of every entity, taken on the loop.
func (h *Host) State(ctx context.Context) (State, error) {
	resp := make(chan State, 1)
	select {
	case h.stateReq <- stateReq{Resp: resp}:
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (h *Host) snapshotState() State {
	s := State{HostID: h.cfg.ID, Tick: h.tick.Load(), Clients: len(h.clients)}
	for _, e := range h.sortedEntities() {
		es := EntityState{ID: e.id, Name: e.name, Owner: e.owner, Active: e.active()}
		for _, v := range e.all() {
			st := v.State()
			es.Vitals = append(es.Vitals, VitalState{Kind: v.Kind(), Value: st.Value, Bound: st.Bound, Tripped: st.Tripped, Seq: st.Seq})
		}
		s.Entities = append(s.Entities, es)
	}
	return s
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
