package host

import (
	"context"
	"errors"
	"fmt"

	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/sim/vitals"
)

// ExportSnapshot captures every entity. Peer ownership is kept for reference
// but peers do not survive a restart.
func (h *Host) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	s := snapshot.SnapshotV1{
		Header:        snapshot.Header{Version: snapshot.Version, HostID: h.cfg.ID, Tick: tick},
		TickRateHz:    h.cfg.TickRateHz,
		NextPeerNum:   h.nextPeerNum.Load(),
		NextEntityNum: h.nextEntityNum.Load(),
	}
	for _, e := range h.sortedEntities() {
		ev := snapshot.EntityV1{ID: string(e.id), Name: e.name, Owner: e.owner, Active: e.active()}
		for _, v := range e.all() {
			st := v.State()
			ev.Vitals = append(ev.Vitals, snapshot.VitalV1{
				Kind:    string(v.Kind()),
				Value:   st.Value,
				Bound:   st.Bound,
				Tripped: st.Tripped,
				Seq:     st.Seq,
			})
		}
		s.Entities = append(s.Entities, ev)
	}
	return s
}

// ImportSnapshot restores entities into an empty host before Run. Restored
// entities are host-owned until a peer claims a new one.
func (h *Host) ImportSnapshot(s snapshot.SnapshotV1) error {
	if len(h.entities) != 0 {
		return errors.New("import snapshot: host already has entities")
	}
	if s.Header.HostID != "" && s.Header.HostID != h.cfg.ID {
		return fmt.Errorf("import snapshot: host id mismatch: have=%s snap=%s", h.cfg.ID, s.Header.HostID)
	}
	for _, es := range s.Entities {
		if es.ID == "" {
			return errors.New("import snapshot: entity without id")
		}
		e := h.newEntity(vitals.EntityID(es.ID), es.Name, "")
		for _, vs := range es.Vitals {
			v := e.vital(vitals.Kind(vs.Kind))
			if v == nil {
				return fmt.Errorf("import snapshot: entity %s: unknown kind %q", es.ID, vs.Kind)
			}
			v.Restore(vitals.State{Value: vs.Value, Bound: vs.Bound, Tripped: vs.Tripped, Seq: vs.Seq})
		}
		h.addEntity(e, es.Active)
	}
	h.tick.Store(s.Header.Tick)
	h.nextPeerNum.Store(s.NextPeerNum)
	h.nextEntityNum.Store(s.NextEntityNum)
	return nil
}

func (h *Host) emitSnapshot(tick uint64) error {
	if h.snapshotSink == nil {
		return errors.New("snapshot sink not configured")
	}
	select {
	case h.snapshotSink <- h.ExportSnapshot(tick):
		return nil
	default:
		return errors.New("snapshot sink backpressure")
	}
}

type snapshotReq struct {
	Resp chan snapshotResp
}

type snapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the loop goroutine to enqueue a snapshot.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (h *Host) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	resp := make(chan snapshotResp, 1)
	select {
	case h.snapshotReq <- snapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Host) handleSnapshotRequest(req snapshotReq) {
	tick := h.tick.Load()
	resp := snapshotResp{Tick: tick}
	if err := h.emitSnapshot(tick); err != nil {
		resp.Err = err.Error()
	}
	select {
	case req.Resp <- resp:
	default:
		// Caller timed out; don't block the loop.
	}
}
