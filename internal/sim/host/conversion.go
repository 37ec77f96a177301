package host

import (
	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/vitals"
)

// Conversion reports that Converter has converted Target up to Progress
// (0..1). It is published on the loop only.
type Conversion struct {
	Converter vitals.EntityID
	Target    vitals.EntityID
	Progress  float64
}

type conversionListener struct {
	id uint64
	fn func(Conversion)
}

// OnConversion subscribes fn to conversion progress. It must be called
// before Run or from the loop.
func (h *Host) OnConversion(fn func(Conversion)) func() {
	h.nextConvID++
	id := h.nextConvID
	h.conversions = append(h.conversions, conversionListener{id: id, fn: fn})
	return func() {
		for i, l := range h.conversions {
			if l.id == id {
				h.conversions = append(h.conversions[:i:i], h.conversions[i+1:]...)
				return
			}
		}
	}
}

func (h *Host) applyConversion(env RequestEnvelope, sender vitals.EntityID, target *entity) (code, msg string) {
	converter := sender
	if env.PeerID == "" {
		converter = vitals.EntityID(env.Req.ActorID)
	}
	if converter == "" || h.entities[converter] == nil {
		return protocol.ErrBadRequest, "unknown converter"
	}
	if converter == target.id {
		return protocol.ErrBadRequest, "cannot convert self"
	}
	c := Conversion{Converter: converter, Target: target.id, Progress: clamp01(env.Req.Value)}
	listeners := append([]conversionListener(nil), h.conversions...)
	for _, l := range listeners {
		l.fn(c)
	}
	return "", ""
}

// tintConverter shows conversion progress only to the peer that controls the
// converting entity.
func (h *Host) tintConverter(c Conversion) {
	e := h.entities[c.Converter]
	if e == nil || e.owner == "" {
		return
	}
	err := h.SendTo(e.owner, protocol.TintMsg{
		Type:            protocol.TypeTint,
		ProtocolVersion: protocol.Version,
		EntityID:        string(c.Target),
		Color:           h.cfg.ConversionColor,
		Amount:          c.Progress,
	})
	if err != nil {
		h.logger.Printf("tint peer=%s target=%s: %v", e.owner, c.Target, err)
	}
}
