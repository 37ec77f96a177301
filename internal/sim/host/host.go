// Package host runs the authority for every entity's vitals: a single loop
// goroutine that commits requests in arrival order, runs drains, and fans
// updates out to connected peers.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/clock"
	"vitalsync.ai/internal/sim/gate"
	"vitalsync.ai/internal/sim/registry"
	"vitalsync.ai/internal/sim/vitals"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrNotFound    = errors.New("entity not found")
)

type Config struct {
	ID         string
	TickRateHz int

	MaxHealth float64
	Heat      vitals.HeatConfig

	// ConversionColor is the tint sent to a converting peer.
	ConversionColor string

	// SnapshotEveryTicks enables periodic snapshots when > 0.
	SnapshotEveryTicks uint64
}

func DefaultConfig() Config {
	return Config{
		ID:              "host_1",
		TickRateHz:      20,
		MaxHealth:       vitals.DefaultMaxHealth,
		Heat:            vitals.DefaultHeatConfig(),
		ConversionColor: "#00FF00",
	}
}

type Options struct {
	Clock    clock.Clock
	Logger   *log.Logger
	Bus      *vitals.Bus
	Registry *registry.Registry
	Gates    gate.Set
	// Registerer receives the host collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
}

// RequestEnvelope is a REQ from a peer. An empty PeerID marks a request
// submitted from inside the process.
type RequestEnvelope struct {
	PeerID string
	Req    protocol.ReqMsg
}

type EventLogger interface {
	WriteEvent(entry EventLogEntry) error
}

const (
	EntryUpdate  = "UPD"
	EntrySpawn   = "SPAWN"
	EntryDespawn = "DESPAWN"
)

type EventLogEntry struct {
	Tick    uint64              `json:"tick"`
	Type    string              `json:"type"`
	Entity  string              `json:"entity_id"`
	Owner   string              `json:"owner,omitempty"`
	Name    string              `json:"name,omitempty"`
	Kind    string              `json:"kind,omitempty"`
	Seq     uint64              `json:"seq,omitempty"`
	Value   float64             `json:"value"`
	Bound   float64             `json:"bound"`
	Tripped bool                `json:"tripped,omitempty"`
	Events  []protocol.EventMsg `json:"events,omitempty"`
}

type entity struct {
	id     vitals.EntityID
	name   string
	owner  string
	health *vitals.Vital
	heat   *vitals.Vital
}

func (e *entity) vital(k vitals.Kind) *vitals.Vital {
	switch k {
	case vitals.KindHealth:
		return e.health
	case vitals.KindHeat:
		return e.heat
	}
	return nil
}

func (e *entity) all() []*vitals.Vital { return []*vitals.Vital{e.health, e.heat} }

func (e *entity) active() bool { return e.health.Active() }

type clientState struct {
	Out    chan []byte
	Entity vitals.EntityID
}

type task struct {
	id       uint64
	interval time.Duration
	next     time.Time
	fn       func(time.Time)
}

// Host is a single-threaded authority.
// All state must be accessed only from the loop goroutine.
type Host struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger
	gates  gate.Set

	bus      *vitals.Bus
	registry *registry.Registry
	metrics  *Metrics

	tick atomic.Uint64

	entities map[vitals.EntityID]*entity
	clients  map[string]*clientState
	owned    map[string]vitals.EntityID

	tasks      map[uint64]*task
	nextTaskID uint64

	conversions []conversionListener
	nextConvID  uint64

	inbox       chan RequestEnvelope
	join        chan JoinRequest
	leave       chan string
	tune        chan tuneReq
	spawn       chan spawnReq
	activation  chan activationReq
	stateReq    chan stateReq
	snapshotReq chan snapshotReq
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	doneOnce    sync.Once

	nextPeerNum   atomic.Uint64
	nextEntityNum atomic.Uint64

	eventLogger  EventLogger
	snapshotSink chan<- snapshot.SnapshotV1
}

func New(cfg Config, opts Options) *Host {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = def.TickRateHz
	}
	if cfg.ConversionColor == "" {
		cfg.ConversionColor = def.ConversionColor
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Bus == nil {
		opts.Bus = vitals.NewBus()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Gates == nil {
		opts.Gates = gate.Defaults()
	}

	h := &Host{
		cfg:         cfg,
		clock:       opts.Clock,
		logger:      opts.Logger,
		gates:       opts.Gates,
		bus:         opts.Bus,
		registry:    opts.Registry,
		entities:    map[vitals.EntityID]*entity{},
		clients:     map[string]*clientState{},
		owned:       map[string]vitals.EntityID{},
		tasks:       map[uint64]*task{},
		inbox:       make(chan RequestEnvelope, 1024),
		join:        make(chan JoinRequest, 64),
		leave:       make(chan string, 64),
		tune:        make(chan tuneReq, 16),
		spawn:       make(chan spawnReq, 16),
		activation:  make(chan activationReq, 16),
		stateReq:    make(chan stateReq, 16),
		snapshotReq: make(chan snapshotReq, 4),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	h.metrics = NewMetrics(opts.Registerer, cfg.ID, func() float64 { return float64(len(h.inbox)) })

	if h.gates.Enabled(gate.Conversion, gate.For(vitals.RoleAuthority, false)) {
		h.OnConversion(h.tintConverter)
	}
	return h
}

func (h *Host) ID() string                   { return h.cfg.ID }
func (h *Host) TickRateHz() int              { return h.cfg.TickRateHz }
func (h *Host) CurrentTick() uint64          { return h.tick.Load() }
func (h *Host) Bus() *vitals.Bus             { return h.bus }
func (h *Host) Registry() *registry.Registry { return h.registry }
func (h *Host) Metrics() *Metrics            { return h.metrics }

func (h *Host) Inbox() chan<- RequestEnvelope { return h.inbox }
func (h *Host) Join() chan<- JoinRequest      { return h.join }
func (h *Host) Leave() chan<- string          { return h.leave }

// Done is closed once Run returns. Nothing drains the loop channels after
// that, so blocking senders should select on it.
func (h *Host) Done() <-chan struct{} { return h.done }

func (h *Host) SetEventLogger(l EventLogger)                 { h.eventLogger = l }
func (h *Host) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { h.snapshotSink = ch }

// Role implements vitals.Transport: the host is the authority for every
// entity it holds.
func (h *Host) Role(vitals.EntityID) vitals.Role { return vitals.RoleAuthority }

// Forward implements vitals.Transport by queueing the request on the inbox as
// an in-process request. It never applies the request on the caller's goroutine.
func (h *Host) Forward(req vitals.Request) error {
	env := RequestEnvelope{Req: protocol.ReqMsg{
		Type:            protocol.TypeReq,
		ProtocolVersion: protocol.Version,
		EntityID:        string(req.Entity),
		Kind:            string(req.Kind),
		Op:              string(req.Op),
		Value:           req.Value,
		ActorID:         string(req.Actor),
	}}
	select {
	case h.inbox <- env:
		return nil
	default:
		return errors.New("host inbox full")
	}
}

// Broadcast implements vitals.Transport. It runs on the loop, inside the
// mutation that produced u.
func (h *Host) Broadcast(u vitals.Update) error {
	owner := ""
	if e := h.entities[u.Entity]; e != nil {
		owner = e.owner
	}
	msg := protocol.FromUpdate(u, owner)
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	h.broadcastRaw(b)
	h.metrics.observeUpdate(u)
	h.logEvent(EventLogEntry{
		Type:    EntryUpdate,
		Entity:  msg.EntityID,
		Owner:   owner,
		Kind:    msg.Kind,
		Seq:     msg.Seq,
		Value:   msg.Value,
		Bound:   msg.Bound,
		Tripped: msg.Tripped,
		Events:  msg.Events,
	})
	return nil
}

// Now and Every implement vitals.Scheduler. Tasks run on the loop at tick
// granularity.
func (h *Host) Now() time.Time { return h.clock.Now() }

func (h *Host) Every(interval time.Duration, fn func(now time.Time)) func() {
	if interval <= 0 || fn == nil {
		return func() {}
	}
	h.nextTaskID++
	id := h.nextTaskID
	h.tasks[id] = &task{id: id, interval: interval, next: h.clock.Now().Add(interval), fn: fn}
	return func() { delete(h.tasks, id) }
}

// Lookup implements vitals.Lookup.
func (h *Host) Lookup(id vitals.EntityID, k vitals.Kind) (*vitals.Vital, bool) {
	e := h.entities[id]
	if e == nil {
		return nil, false
	}
	v := e.vital(k)
	return v, v != nil
}

func (h *Host) runDue(now time.Time) {
	due := make([]*task, 0, len(h.tasks))
	for _, t := range h.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next.Equal(due[j].next) {
			return due[i].id < due[j].id
		}
		return due[i].next.Before(due[j].next)
	})
	for _, t := range due {
		// An earlier task in this batch may have cancelled it.
		if h.tasks[t.id] != t {
			continue
		}
		for !t.next.After(now) {
			t.next = t.next.Add(t.interval)
		}
		t.fn(now)
	}
}

// SendTo marshals v and queues it for a single peer.
func (h *Host) SendTo(peer string, v any) error {
	c := h.clients[peer]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.send(peer, c, b)
	return nil
}

func (h *Host) broadcastRaw(b []byte) {
	for peer, c := range h.clients {
		h.send(peer, c, b)
	}
}

// send never blocks the loop. A peer that cannot keep up is disconnected
// instead of silently missing an update; it resyncs from WELCOME.
func (h *Host) send(peer string, c *clientState, b []byte) {
	select {
	case c.Out <- b:
	default:
		h.kick(peer, c)
	}
}

func (h *Host) kick(peer string, c *clientState) {
	if h.clients[peer] != c {
		return
	}
	delete(h.clients, peer)
	close(c.Out)
	h.metrics.kicked.Inc()
	h.metrics.clients.Set(float64(len(h.clients)))
	h.logger.Printf("kick peer=%s reason=send_queue_full", peer)
}

func (h *Host) logEvent(e EventLogEntry) {
	if h.eventLogger == nil {
		return
	}
	e.Tick = h.tick.Load()
	if err := h.eventLogger.WriteEvent(e); err != nil {
		h.logger.Printf("event log: %v", err)
	}
}
