package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/vitals"
)

var ErrReplicaBroadcast = errors.New("replicas do not broadcast")

type ClientOptions struct {
	Name     string
	MaxQueue int
	Logger   *log.Logger
	// Bus receives events re-fired by local replicas. Nil creates one.
	Bus *vitals.Bus
}

type replicaKey struct {
	entity vitals.EntityID
	kind   vitals.Kind
}

// Client is a remote peer. It keeps a replica of every vital the host
// announces and implements vitals.Transport for them: the peer controls its
// own entity and observes everything else.
type Client struct {
	conn *websocket.Conn
	log  *log.Logger
	bus  *vitals.Bus

	peerID   string
	entityID vitals.EntityID
	tickRate int

	writeMu sync.Mutex
	reqNum  atomic.Uint64

	mu       sync.Mutex
	replicas map[replicaKey]*vitals.Vital
	owners   map[vitals.EntityID]string
	onAck    []func(protocol.AckMsg)
	onTint   []func(protocol.TintMsg)
	onGone   []func(vitals.EntityID)
}

// Dial connects, performs the HELLO/WELCOME handshake, and builds replicas
// from the WELCOME state. Call Run to keep them in sync.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Bus == nil {
		opts.Bus = vitals.NewBus()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		log:      opts.Logger,
		bus:      opts.Bus,
		replicas: map[replicaKey]*vitals.Vital{},
		owners:   map[vitals.EntityID]string{},
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PeerName:        opts.Name,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: opts.MaxQueue},
	}
	if err := c.write(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if err := protocol.Validate(msg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("welcome: %w", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME")
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.peerID = w.PeerID
	c.entityID = vitals.EntityID(w.EntityID)
	c.tickRate = w.TickRateHz
	for _, u := range w.Vitals {
		c.applyUpdate(u)
	}
	return c, nil
}

func (c *Client) PeerID() string            { return c.peerID }
func (c *Client) EntityID() vitals.EntityID { return c.entityID }
func (c *Client) TickRateHz() int           { return c.tickRate }
func (c *Client) Bus() *vitals.Bus          { return c.bus }

func (c *Client) Close() error { return c.conn.Close() }

// Role implements vitals.Transport.
func (c *Client) Role(entity vitals.EntityID) vitals.Role {
	if entity == c.entityID {
		return vitals.RoleController
	}
	return vitals.RoleObserver
}

// Forward implements vitals.Transport by sending a REQ to the host.
func (c *Client) Forward(req vitals.Request) error {
	return c.write(protocol.ReqMsg{
		Type:            protocol.TypeReq,
		ProtocolVersion: protocol.Version,
		ReqID:           c.nextReqID(),
		EntityID:        string(req.Entity),
		Kind:            string(req.Kind),
		Op:              string(req.Op),
		Value:           req.Value,
		ActorID:         string(req.Actor),
	})
}

// Broadcast implements vitals.Transport. Only the host broadcasts.
func (c *Client) Broadcast(vitals.Update) error { return ErrReplicaBroadcast }

// Convert reports conversion progress of target by this peer's entity.
func (c *Client) Convert(target vitals.EntityID, progress float64) error {
	return c.write(protocol.ReqMsg{
		Type:            protocol.TypeReq,
		ProtocolVersion: protocol.Version,
		ReqID:           c.nextReqID(),
		EntityID:        string(target),
		Op:              protocol.OpConvert,
		Value:           progress,
		ActorID:         string(c.entityID),
	})
}

// Lookup implements vitals.Lookup over the local replicas.
func (c *Client) Lookup(entity vitals.EntityID, kind vitals.Kind) (*vitals.Vital, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.replicas[replicaKey{entity, kind}]
	return v, ok
}

// Entities lists replicated entities, ordered by id.
func (c *Client) Entities() []vitals.EntityID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]vitals.EntityID, 0, len(c.owners))
	for id := range c.owners {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// Owner returns the peer controlling entity, or "" for host-owned entities.
func (c *Client) Owner(entity vitals.EntityID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[entity]
}

func (c *Client) OnAck(fn func(protocol.AckMsg)) {
	c.mu.Lock()
	c.onAck = append(c.onAck, fn)
	c.mu.Unlock()
}

func (c *Client) OnTint(fn func(protocol.TintMsg)) {
	c.mu.Lock()
	c.onTint = append(c.onTint, fn)
	c.mu.Unlock()
}

func (c *Client) OnDespawn(fn func(vitals.EntityID)) {
	c.mu.Lock()
	c.onGone = append(c.onGone, fn)
	c.mu.Unlock()
}

// Run applies host messages until the connection drops or ctx is done.
// Replica events fire on this goroutine.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.handle(msg); err != nil {
			c.log.Printf("peer=%s: %v", c.peerID, err)
		}
	}
}

func (c *Client) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch base.Type {
	case protocol.TypeUpdate:
		if err := protocol.Validate(msg); err != nil {
			return err
		}
		var u protocol.UpdateMsg
		if err := json.Unmarshal(msg, &u); err != nil {
			return err
		}
		c.applyUpdate(u)
	case protocol.TypeDespawn:
		var d protocol.DespawnMsg
		if err := json.Unmarshal(msg, &d); err != nil {
			return err
		}
		c.despawn(vitals.EntityID(d.EntityID))
	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err != nil {
			return err
		}
		c.mu.Lock()
		hooks := append([]func(protocol.AckMsg){}, c.onAck...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn(a)
		}
	case protocol.TypeTint:
		var t protocol.TintMsg
		if err := json.Unmarshal(msg, &t); err != nil {
			return err
		}
		c.mu.Lock()
		hooks := append([]func(protocol.TintMsg){}, c.onTint...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn(t)
		}
	default:
		return fmt.Errorf("unexpected message type %q", base.Type)
	}
	return nil
}

// applyUpdate creates the replica on first sight, then mirrors u into it.
func (c *Client) applyUpdate(u protocol.UpdateMsg) {
	id := vitals.EntityID(u.EntityID)
	kind := vitals.Kind(u.Kind)
	if !kind.Valid() {
		return
	}
	key := replicaKey{id, kind}

	c.mu.Lock()
	v := c.replicas[key]
	created := v == nil
	if created {
		deps := vitals.Deps{Transport: c, Bus: c.bus}
		switch kind {
		case vitals.KindHealth:
			v = vitals.NewHealth(id, u.Bound, deps)
		case vitals.KindHeat:
			cfg := vitals.DefaultHeatConfig()
			cfg.Capacity = u.Bound
			v = vitals.NewHeat(id, cfg, deps)
		}
		c.replicas[key] = v
	}
	c.owners[id] = u.Owner
	c.mu.Unlock()

	if created {
		// Replicas relay to the bus but never drain.
		v.Activate(nil)
	}
	v.ApplyUpdate(u.ToUpdate())
}

func (c *Client) despawn(id vitals.EntityID) {
	c.mu.Lock()
	var gone []*vitals.Vital
	for key, v := range c.replicas {
		if key.entity == id {
			gone = append(gone, v)
			delete(c.replicas, key)
		}
	}
	delete(c.owners, id)
	hooks := append([]func(vitals.EntityID){}, c.onGone...)
	c.mu.Unlock()

	for _, v := range gone {
		v.Deactivate()
	}
	for _, fn := range hooks {
		fn(id)
	}
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("%s-%d", c.peerID, c.reqNum.Add(1))
}

func (c *Client) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
