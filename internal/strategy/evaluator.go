package strategy

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/atmx/confluence-engine/internal/fvg"
	"github.com/atmx/confluence-engine/internal/model"
	"github.com/atmx/confluence-engine/internal/structure"
)

// Entry reasons carried by emitted signals.
const (
	ReasonBullishEntry = "bullish_bos_after_fvg_touch_entry"
	ReasonBearishEntry = "bearish_bos_after_fvg_touch_entry"
)

// Metadata keys.
const (
	MetaReactedZoneID   = "reactedZoneId"
	MetaZoneDirection   = "zoneDirection"
	MetaZoneUpper       = "zoneUpper"
	MetaZoneLower       = "zoneLower"
	MetaZoneSizePercent = "zoneSizePercent"
	MetaBOSLevel        = "bosLevel"
	MetaSwingHigh       = "swingHigh"
	MetaSwingLow        = "swingLow"
	MetaArmedZones      = "armedZones"
)

// ArmState is the evaluator's private view of a zone.
type ArmState string

const (
	ArmFormed  ArmState = "formed"
	ArmTouched ArmState = "touched"
	ArmReacted ArmState = "reacted" // terminal
)

// Arm records how a zone was armed. Zone is a snapshot taken at touch time;
// later mitigation on the higher timeframe does not disarm it.
type Arm struct {
	State        ArmState        `json:"state"`
	Zone         fvg.Zone        `json:"zone"`
	TouchPrice   model.Price     `json:"touch_price"`
	TouchTime    model.Timestamp `json:"touch_time"`
	SizePercent  string          `json:"size_percent"`
	ReactedAt    model.Timestamp `json:"reacted_at,omitempty"`
	ReactedBySig string          `json:"reacted_by_signal,omitempty"`
}

// Evaluator owns one FVG detector, one structure detector and the per-zone
// arming map for a single run. It is not safe for concurrent use.
type Evaluator struct {
	cfg       Config
	zones     *fvg.Detector
	structure *structure.Detector
	arms      map[string]*Arm

	haveHigher bool
	lastHigher model.Timestamp

	newID func() string
}

// NewEvaluator returns an evaluator using cfg. A zero Config is replaced by
// DefaultConfig.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{
		cfg:       cfg,
		zones:     fvg.NewDetector(),
		structure: structure.NewDetector(),
		arms:      make(map[string]*Arm),
		newID:     uuid.NewString,
	}, nil
}

// Configure replaces the arming filter. Zones already touched stay touched.
func (e *Evaluator) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	return nil
}

// Config returns the active filter.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate processes one closed lower-timeframe candle. higher is the
// currently visible higher-timeframe candle, nil before the first one has
// closed. The FVG detector sees each higher bar once, the first time its
// open time differs from the previous one.
//
// At most one signal is returned per candle.
func (e *Evaluator) Evaluate(lower model.Candle, higher *model.Candle) []model.Signal {
	if higher != nil && (!e.haveHigher || higher.OpenTime != e.lastHigher) {
		e.zones.Detect(*higher)
		e.haveHigher = true
		e.lastHigher = higher.OpenTime
	}

	st, broke := e.structure.Detect(lower)

	for _, z := range e.zones.Active() {
		if _, seen := e.arms[z.ID]; seen || !z.Overlaps(lower) {
			continue
		}
		pct := z.SizePercent(lower.Close())
		if !e.cfg.admits(pct) {
			continue
		}
		e.arms[z.ID] = &Arm{
			State:       ArmTouched,
			Zone:        z,
			TouchPrice:  lower.Close(),
			TouchTime:   lower.CloseTime,
			SizePercent: pct.StringFixed(4),
		}
	}

	if !broke {
		return nil
	}

	var (
		dir    fvg.Direction
		typ    model.SignalType
		reason string
		level  model.Price
	)
	switch st.BOSDirection {
	case structure.Bullish:
		dir, typ, reason = fvg.Bullish, model.SignalBuy, ReasonBullishEntry
	case structure.Bearish:
		dir, typ, reason = fvg.Bearish, model.SignalSell, ReasonBearishEntry
	default:
		return nil
	}
	if st.LastBreak != nil {
		level = st.LastBreak.Level
	}

	price := lower.Close()
	arm := e.eligible(dir, price)
	if arm == nil {
		meta := map[string]string{
			MetaBOSLevel:   level.String(),
			MetaSwingHigh:  st.SwingHigh.String(),
			MetaSwingLow:   st.SwingLow.String(),
			MetaArmedZones: strconv.Itoa(e.armedCount()),
		}
		why := fmt.Sprintf("%s_bos_no_fvg", st.BOSDirection)
		return []model.Signal{model.NewSignal(e.newID(), lower.Symbol, model.SignalInvalid, price, lower.CloseTime, why, meta)}
	}

	meta := map[string]string{
		MetaReactedZoneID:   arm.Zone.ID,
		MetaZoneDirection:   string(arm.Zone.Direction),
		MetaZoneUpper:       arm.Zone.UpperBound.String(),
		MetaZoneLower:       arm.Zone.LowerBound.String(),
		MetaZoneSizePercent: arm.SizePercent,
		MetaBOSLevel:        level.String(),
		MetaSwingHigh:       st.SwingHigh.String(),
		MetaSwingLow:        st.SwingLow.String(),
	}
	sig := model.NewSignal(e.newID(), lower.Symbol, typ, price, lower.CloseTime, reason, meta)
	arm.State = ArmReacted
	arm.ReactedAt = lower.CloseTime
	arm.ReactedBySig = sig.ID
	return []model.Signal{sig}
}

// eligible picks the most recently created touched zone in dir that is in
// confluence with price: a bullish zone's lower bound at or under price, a
// bearish zone's upper bound at or over it.
func (e *Evaluator) eligible(dir fvg.Direction, price model.Price) *Arm {
	var best *Arm
	for _, a := range e.arms {
		if a.State != ArmTouched || a.Zone.Direction != dir {
			continue
		}
		switch dir {
		case fvg.Bullish:
			if a.Zone.LowerBound.GreaterThan(price) {
				continue
			}
		case fvg.Bearish:
			if a.Zone.UpperBound.LessThan(price) {
				continue
			}
		}
		if best == nil || a.Zone.CreatedAt > best.Zone.CreatedAt {
			best = a
		}
	}
	return best
}

func (e *Evaluator) armedCount() int {
	n := 0
	for _, a := range e.arms {
		if a.State == ArmTouched {
			n++
		}
	}
	return n
}

// Arming returns the arm state of a zone id. Unknown ids report false.
func (e *Evaluator) Arming(zoneID string) (Arm, bool) {
	if a, ok := e.arms[zoneID]; ok {
		return *a, true
	}
	if z, ok := e.zones.Zone(zoneID); ok {
		return Arm{State: ArmFormed, Zone: z}, true
	}
	return Arm{}, false
}

// Zones returns every zone the FVG detector has seen.
func (e *Evaluator) Zones() []fvg.Zone { return e.zones.Zones() }

// Structure returns the structure detector state.
func (e *Evaluator) Structure() structure.State {
	st, _ := e.structure.State()
	return st
}

// Prune drops mitigated zones created before ts. Arm records of evicted
// zones go with them once reacted, or once touched before ts; a touched arm
// on a zone still tracked stays armed.
func (e *Evaluator) Prune(ts model.Timestamp) int {
	removed := e.zones.EvictMitigatedBefore(ts)
	for id, a := range e.arms {
		if _, tracked := e.zones.Zone(id); tracked {
			continue
		}
		if a.State == ArmReacted || a.TouchTime < ts {
			delete(e.arms, id)
		}
	}
	return removed
}

// Reset clears both detectors and all arming state.
func (e *Evaluator) Reset() {
	e.zones.Reset()
	e.structure.Reset()
	e.arms = make(map[string]*Arm)
	e.haveHigher = false
	e.lastHigher = 0
}
