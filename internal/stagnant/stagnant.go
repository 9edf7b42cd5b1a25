// Package stagnant detects channels that hold outbound liquidity without
// routing and decays their fees until traffic returns.
//
// A channel is marked stagnant when its outbound ratio stays above a
// threshold while no activity has been seen for a full idle window. Two
// activity strategies exist: "forwards" trusts the forwarding ledger, and
// "ratio" treats any balance movement as activity, which also catches
// rebalances and circular payments the ledger never sees.
package stagnant

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/statefile"
)

const (
	StrategyForwards = "forwards"
	StrategyRatio    = "ratio"
)

// ForwardsSource reports the newest forward on a channel.
type ForwardsSource interface {
	LastForwardTime(id chanid.ID) (time.Time, bool, error)
}

// Status is the persisted detection state for one channel.
type Status struct {
	Stagnant   bool    `json:"stagnant"`
	Since      int64   `json:"since,omitempty"`
	FirstSeen  int64   `json:"first_seen"`
	LastActive int64   `json:"last_active,omitempty"`
	LastRatio  float64 `json:"last_ratio"`
}

type fileState struct {
	Channels map[string]*Status `json:"channels"`
}

// Config tunes the detector.
type Config struct {
	Strategy             string
	RatioThreshold       float64
	Window               time.Duration
	RatioChangeThreshold float64
}

// Detector tracks per-channel idle state across runs.
type Detector struct {
	path     string
	cfg      Config
	forwards ForwardsSource
	state    fileState
}

// New loads detector state from path. forwards may be nil when the ratio
// strategy is configured.
func New(path string, cfg Config, forwards ForwardsSource) (*Detector, error) {
	d := &Detector{
		path:     path,
		cfg:      cfg,
		forwards: forwards,
		state:    fileState{Channels: map[string]*Status{}},
	}
	found, err := statefile.Load(path, &d.state)
	if err != nil {
		return nil, fmt.Errorf("load stagnation state: %w", err)
	}
	if !found || d.state.Channels == nil {
		d.state.Channels = map[string]*Status{}
	}
	return d, nil
}

func key(id chanid.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Status returns the tracked state for id.
func (d *Detector) Status(id chanid.ID) (Status, bool) {
	st, ok := d.state.Channels[key(id)]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Evaluate updates the channel's idle state and reports whether it is
// stagnant. The first observation of a channel starts its idle clock; a
// channel can only be marked after a full window with no activity.
func (d *Detector) Evaluate(id chanid.ID, outboundRatio float64, now time.Time) (bool, error) {
	st, ok := d.state.Channels[key(id)]
	if !ok {
		st = &Status{FirstSeen: now.UnixNano(), LastRatio: outboundRatio}
		d.state.Channels[key(id)] = st
		return false, nil
	}

	active, err := d.sawActivity(id, outboundRatio, st)
	if err != nil {
		return false, err
	}
	if active {
		st.LastActive = now.UnixNano()
		st.Stagnant = false
		st.Since = 0
	}
	st.LastRatio = outboundRatio

	if st.Stagnant {
		return true, nil
	}

	idleFrom := st.FirstSeen
	if st.LastActive > idleFrom {
		idleFrom = st.LastActive
	}
	idle := now.Sub(time.Unix(0, idleFrom))
	if outboundRatio > d.cfg.RatioThreshold && idle >= d.cfg.Window {
		st.Stagnant = true
		st.Since = now.UnixNano()
		return true, nil
	}
	return false, nil
}

func (d *Detector) sawActivity(id chanid.ID, outboundRatio float64, st *Status) (bool, error) {
	switch d.cfg.Strategy {
	case StrategyRatio:
		return math.Abs(outboundRatio-st.LastRatio) > d.cfg.RatioChangeThreshold, nil
	default:
		last, ok, err := d.forwards.LastForwardTime(id)
		if err != nil {
			return false, err
		}
		return ok && last.UnixNano() > st.LastActive, nil
	}
}

// Prune drops state for channels not in the live set.
func (d *Detector) Prune(live map[chanid.ID]bool) {
	for k := range d.state.Channels {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil || !live[chanid.ID(id)] {
			delete(d.state.Channels, k)
		}
	}
}

// Save atomically writes the full detector state.
func (d *Detector) Save() error {
	return statefile.Save(d.path, &d.state)
}

// Decay shrinks the magnitude of a stagnant channel's fee by pct, always by
// at least one ppm, never past zero, preserving sign. It applies equally to
// outbound fees and negative inbound discounts.
func Decay(value int64, pct float64) int64 {
	if value == 0 {
		return 0
	}
	mag := value
	sign := int64(1)
	if mag < 0 {
		mag = -mag
		sign = -1
	}
	cut := int64(math.Round(float64(mag) * pct))
	if cut < 1 {
		cut = 1
	}
	mag -= cut
	if mag < 0 {
		mag = 0
	}
	return sign * mag
}
