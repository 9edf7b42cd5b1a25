// Package neginb manages negative inbound fee discounts on drained channels.
//
// When a channel's outbound share falls under the trigger threshold, a
// discount is offered to attract inbound routing, starting at a fraction of
// the channel's average fee and ramping up while the channel stays drained.
// The discount is only removed once the outbound share recovers past a
// higher threshold, so the controller does not flap around a single line.
// A channel becomes eligible only after its outbound share has been seen
// above the trigger at least once: dropping below the trigger must be an
// actual drain, not the channel's starting condition.
// A discount is pointless when the peer charges meaningful fees toward us,
// because the discount cannot make the combined hop cheap; the remote fee is
// re-checked on every run below the trigger, and a peer that turns expensive
// removes the discount and resets the ramp.
package neginb

import (
	"fmt"
	"math"
	"strconv"

	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/statefile"
)

// Config tunes the controller. TriggerPct and RemovePct are outbound-share
// percentages with TriggerPct < RemovePct; the percentages Initial through
// Max express the discount as a share of the channel's average fee.
type Config struct {
	TriggerPct      float64
	RemovePct       float64
	MaxRemoteFeePpm int64
	InitialPct      float64
	IncrementPct    float64
	MaxPct          float64
}

// ChannelState is the persisted ramp state for one channel. Latched records
// that the outbound share has ever been above the trigger threshold; it is
// one-way and never reverts, so channels that opened drained and never held
// liquidity from a higher level cannot receive a discount.
type ChannelState struct {
	Active    bool    `json:"active"`
	Pct       float64 `json:"pct"`
	Latched   bool    `json:"latched"`
	UpdatedAt int64   `json:"updated_at,omitempty"`
}

type fileState struct {
	Channels map[string]*ChannelState `json:"channels"`
}

// Input is one channel's observations for a single run.
type Input struct {
	OutboundRatio      float64
	AvgFeePpm          float64
	RemoteFeePpm       int64
	SkipRemoteFeeCheck bool
}

// Controller applies the discount state machine per channel.
type Controller struct {
	path  string
	cfg   Config
	state fileState
}

// New loads controller state from path.
func New(path string, cfg Config) (*Controller, error) {
	c := &Controller{
		path:  path,
		cfg:   cfg,
		state: fileState{Channels: map[string]*ChannelState{}},
	}
	found, err := statefile.Load(path, &c.state)
	if err != nil {
		return nil, fmt.Errorf("load inbound discount state: %w", err)
	}
	if !found || c.state.Channels == nil {
		c.state.Channels = map[string]*ChannelState{}
	}
	return c, nil
}

func key(id chanid.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Active reports whether a discount is currently latched for id.
func (c *Controller) Active(id chanid.ID) bool {
	st, ok := c.state.Channels[key(id)]
	return ok && st.Active
}

// Decide advances the channel's discount state and returns the inbound fee
// to publish. The boolean is false when no inbound key should be present.
func (c *Controller) Decide(id chanid.ID, in Input) (int64, bool) {
	st, ok := c.state.Channels[key(id)]
	if !ok {
		st = &ChannelState{}
		c.state.Channels[key(id)] = st
	}

	ratioPct := in.OutboundRatio * 100
	remoteOK := in.SkipRemoteFeeCheck || in.RemoteFeePpm <= c.cfg.MaxRemoteFeePpm
	if ratioPct > c.cfg.TriggerPct {
		st.Latched = true
	}

	switch {
	case ratioPct > c.cfg.RemovePct:
		st.Active = false
		st.Pct = 0
		return 0, false

	case ratioPct < c.cfg.TriggerPct:
		if !st.Latched {
			return 0, false
		}
		if !remoteOK {
			// An expensive peer disqualifies the channel outright; the ramp
			// starts over from the initial percentage once the peer is cheap
			// again.
			st.Active = false
			st.Pct = 0
			return 0, false
		}
		if !st.Active {
			st.Active = true
			st.Pct = c.cfg.InitialPct
		} else if st.Pct < c.cfg.MaxPct {
			st.Pct += c.cfg.IncrementPct
			if st.Pct > c.cfg.MaxPct {
				st.Pct = c.cfg.MaxPct
			}
		}
		return c.discount(in.AvgFeePpm, st.Pct), true

	default:
		// Between the thresholds the latch holds: an active discount is
		// recomputed against the current average but never ramped, and an
		// inactive channel stays inactive.
		if !st.Active {
			return 0, false
		}
		return c.discount(in.AvgFeePpm, st.Pct), true
	}
}

func (c *Controller) discount(avg, pct float64) int64 {
	return -int64(math.Round(avg * pct / 100))
}

// Prune drops state for channels not in the live set.
func (c *Controller) Prune(live map[chanid.ID]bool) {
	for k := range c.state.Channels {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil || !live[chanid.ID(id)] {
			delete(c.state.Channels, k)
		}
	}
}

// Save atomically writes the full controller state.
func (c *Controller) Save() error {
	return statefile.Save(c.path, &c.state)
}
