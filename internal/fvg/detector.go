package fvg

import "github.com/atmx/confluence-engine/internal/model"

// Detector finds gaps in a chronologically ordered higher-timeframe feed.
// It is not safe for concurrent use; use one Detector per run.
type Detector struct {
	history []model.Candle // last three candles, oldest first
	zones   []*Zone        // creation order
	byID    map[string]*Zone
}

// NewDetector returns an empty detector.
func NewDetector() *Detector {
	return &Detector{
		history: make([]model.Candle, 0, 3),
		byID:    make(map[string]*Zone),
	}
}

// Detect ingests the next higher-timeframe candle. Existing zones are
// tested for mitigation first, so a zone never mitigates on the candle that
// formed it. Newly formed zones are returned.
func (d *Detector) Detect(c model.Candle) []Zone {
	d.history = append(d.history, c)
	if len(d.history) > 3 {
		d.history = d.history[len(d.history)-3:]
	}

	for _, z := range d.zones {
		if !z.IsMitigated() && z.Overlaps(c) {
			z.Mitigate(c.Close(), c.CloseTime)
		}
	}

	if len(d.history) < 3 {
		return nil
	}

	first, current := d.history[0], d.history[2]
	var formed []Zone

	// Both checks are independent; an outside triple can form both.
	if first.High().LessThan(current.Low()) {
		formed = d.add(newZone(Bullish, current.Low(), first.High(), current), formed)
	}
	if first.Low().GreaterThan(current.High()) {
		formed = d.add(newZone(Bearish, first.Low(), current.High(), current), formed)
	}
	return formed
}

func (d *Detector) add(z *Zone, formed []Zone) []Zone {
	if _, dup := d.byID[z.ID]; dup {
		return formed
	}
	d.zones = append(d.zones, z)
	d.byID[z.ID] = z
	return append(formed, z.snapshot())
}

// Zones returns every zone regardless of mitigation, in creation order.
func (d *Detector) Zones() []Zone {
	return d.filter(func(*Zone) bool { return true })
}

// Active returns non-mitigated zones.
func (d *Detector) Active() []Zone {
	return d.filter(func(z *Zone) bool { return !z.IsMitigated() })
}

// Mitigated returns filled zones.
func (d *Detector) Mitigated() []Zone {
	return d.filter(func(z *Zone) bool { return z.IsMitigated() })
}

// Zone looks up a zone by id.
func (d *Detector) Zone(id string) (Zone, bool) {
	z, ok := d.byID[id]
	if !ok {
		return Zone{}, false
	}
	return z.snapshot(), true
}

// Len returns the number of tracked zones.
func (d *Detector) Len() int { return len(d.zones) }

// EvictMitigatedBefore drops mitigated zones created before ts and returns
// how many were removed. Active zones are always kept.
func (d *Detector) EvictMitigatedBefore(ts model.Timestamp) int {
	kept := d.zones[:0]
	removed := 0
	for _, z := range d.zones {
		if z.IsMitigated() && z.CreatedAt < ts {
			delete(d.byID, z.ID)
			removed++
			continue
		}
		kept = append(kept, z)
	}
	for i := len(kept); i < len(d.zones); i++ {
		d.zones[i] = nil
	}
	d.zones = kept
	return removed
}

// Reset clears history and zones for a fresh run.
func (d *Detector) Reset() {
	d.history = d.history[:0]
	d.zones = nil
	d.byID = make(map[string]*Zone)
}

func (d *Detector) filter(keep func(*Zone) bool) []Zone {
	out := make([]Zone, 0, len(d.zones))
	for _, z := range d.zones {
		if keep(z) {
			out = append(out, z.snapshot())
		}
	}
	return out
}
