package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/gate"
	"vitalsync.ai/internal/sim/tuning"
	"vitalsync.ai/internal/sim/vitals"
	"vitalsync.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "peer name")
		tuningPath = flag.String("tuning", "", "tuning.yaml for gate overrides (optional)")
		every      = flag.Duration("every", 2*time.Second, "interval between actions")
		damage     = flag.Float64("damage", 15, "damage dealt to a random other entity per action")
		heat       = flag.Float64("heat", 12, "heat added to our own entity per action")
		printAll   = flag.Bool("print", false, "print every value and transition event of every entity")
		seed       = flag.Int64("seed", 0, "target selection seed (0 for time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := ws.Dial(ctx, *url, ws.ClientOptions{Name: *name, MaxQueue: 64, Logger: logger})
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()
	logger.Printf("WELCOME peer_id=%s entity_id=%s tick_rate=%d", c.PeerID(), c.EntityID(), c.TickRateHz())

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	b := newBot(c, tune.GateSet(), botConfig{Damage: *damage, Heat: *heat}, logger, rand.New(rand.NewSource(*seed)))
	defer b.attach(*printAll)()

	go func() {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("connection closed: %v", err)
		}
		cancel()
	}()

	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.step(); err != nil {
				logger.Printf("step: %v", err)
			}
		}
	}
}

// peer is the part of ws.Client the bot drives.
type peer interface {
	vitals.Lookup
	EntityID() vitals.EntityID
	Role(vitals.EntityID) vitals.Role
	Entities() []vitals.EntityID
	Bus() *vitals.Bus
	OnAck(func(protocol.AckMsg))
	OnTint(func(protocol.TintMsg))
}

type botConfig struct {
	Damage float64
	Heat   float64
}

type bot struct {
	p     peer
	gates gate.Set
	cfg   botConfig
	log   *log.Logger
	rng   *rand.Rand
}

func newBot(p peer, gates gate.Set, cfg botConfig, logger *log.Logger, rng *rand.Rand) *bot {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &bot{p: p, gates: gates, cfg: cfg, log: logger, rng: rng}
}

func (b *bot) context() gate.Context {
	return gate.For(b.p.Role(b.p.EntityID()), true)
}

// attach subscribes the HUD and, with printAll, a global printer for every
// entity. The returned func detaches them.
func (b *bot) attach(printAll bool) func() {
	var cancels []func()
	bus := b.p.Bus()
	self := b.p.EntityID()

	if b.gates.Enabled(gate.HUD, b.context()) {
		for _, k := range []vitals.Kind{vitals.KindHealth, vitals.KindHeat} {
			cancels = append(cancels, bus.OnTransition(k, func(ev vitals.TransitionEvent) {
				if ev.Emitter == self {
					b.log.Printf("HUD %s", describeTransition(ev))
				}
			}))
		}
	}
	if printAll {
		for _, k := range []vitals.Kind{vitals.KindHealth, vitals.KindHeat} {
			cancels = append(cancels,
				bus.OnValueChanged(k, func(ev vitals.ChangeEvent) { b.log.Printf("%s", b.describeChange(ev)) }),
				bus.OnTransition(k, func(ev vitals.TransitionEvent) { b.log.Printf("%s", describeTransition(ev)) }),
			)
		}
	}
	b.p.OnAck(func(a protocol.AckMsg) {
		if a.Code != "" {
			b.log.Printf("ACK req=%s code=%s msg=%s", a.AckFor, a.Code, a.Message)
		}
	})
	b.p.OnTint(func(t protocol.TintMsg) {
		b.log.Printf("TINT entity=%s color=%s amount=%.2f", t.EntityID, t.Color, t.Amount)
	})
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (b *bot) describeChange(ev vitals.ChangeEvent) string {
	s := fmt.Sprintf("%s %s value=%.2f delta=%.2f actor=%s", ev.Emitter, ev.Kind, ev.NewValue, ev.Delta, actorName(ev.Actor))
	if v, ok := ev.Sender(b.p); ok {
		s += fmt.Sprintf(" bound=%.2f", v.Bound())
	}
	return s
}

func describeTransition(ev vitals.TransitionEvent) string {
	what := "recovered"
	switch {
	case ev.Kind == vitals.KindHealth && ev.Tripped:
		what = "died"
	case ev.Tripped:
		what = "overheated"
	}
	return fmt.Sprintf("%s %s (%s) actor=%s", ev.Emitter, what, ev.Kind, actorName(ev.Actor))
}

func actorName(a vitals.ActorID) string {
	if a == vitals.UnknownActor {
		return "unknown"
	}
	return string(a)
}

// step heats our own entity and damages one random living other entity.
// Requests go through the replicas, which forward them to the host.
func (b *bot) step() error {
	if !b.gates.Enabled(gate.Controls, b.context()) {
		return nil
	}
	self := b.p.EntityID()
	actor := vitals.ActorID(self)

	if h, ok := b.p.Lookup(self, vitals.KindHealth); ok && vitals.Dead(h) {
		return nil
	}
	if b.cfg.Heat != 0 {
		if v, ok := b.p.Lookup(self, vitals.KindHeat); ok {
			if err := v.Apply(vitals.Request{Op: vitals.OpChange, Value: b.cfg.Heat, Actor: actor}); err != nil {
				return err
			}
		}
	}

	var targets []*vitals.Vital
	for _, id := range b.p.Entities() {
		if id == self {
			continue
		}
		if v, ok := b.p.Lookup(id, vitals.KindHealth); ok && !vitals.Dead(v) {
			targets = append(targets, v)
		}
	}
	if len(targets) == 0 || b.cfg.Damage == 0 {
		return nil
	}
	target := targets[b.rng.Intn(len(targets))]
	return target.Apply(vitals.Request{Op: vitals.OpChange, Value: -b.cfg.Damage, Actor: actor})
}
