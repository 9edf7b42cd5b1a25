// Package avgfee maintains a per-channel exponential moving average of the
// corrected fee rate earned on outbound forwards. The average is the anchor
// the fee pipeline scales against, so it is persisted across runs and only
// ever advanced by samples newer than the last one processed.
package avgfee

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/ledger"
	"github.com/Benny-444/autofee/internal/statefile"
)

// ChannelState is the persisted EMA state for one channel.
type ChannelState struct {
	AvgFeePpm  float64 `json:"avg_fee_ppm"`
	LastSample int64   `json:"last_sample_ns"`
	UpdatedAt  int64   `json:"updated_at"`
}

type fileState struct {
	Channels map[string]*ChannelState `json:"channels"`
}

// Tracker computes and persists per-channel fee averages. All mutations stay
// in memory until Save writes the whole state file in one atomic rename.
type Tracker struct {
	path   string
	alpha  float64
	minAvg float64
	state  fileState
}

// New loads the tracker state from path. A missing file starts empty.
func New(path string, alpha, minAvgFeePpm float64) (*Tracker, error) {
	t := &Tracker{
		path:   path,
		alpha:  alpha,
		minAvg: minAvgFeePpm,
		state:  fileState{Channels: map[string]*ChannelState{}},
	}
	found, err := statefile.Load(path, &t.state)
	if err != nil {
		return nil, fmt.Errorf("load avg fee state: %w", err)
	}
	if !found || t.state.Channels == nil {
		t.state.Channels = map[string]*ChannelState{}
	}
	return t, nil
}

func key(id chanid.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Avg returns the current average for id, if the channel has state.
func (t *Tracker) Avg(id chanid.ID) (float64, bool) {
	cs, ok := t.state.Channels[key(id)]
	if !ok {
		return 0, false
	}
	return cs.AvgFeePpm, true
}

// Update folds new fee samples into the channel's EMA and returns the
// resulting average. Samples at or before the last processed timestamp are
// ignored so re-reading overlapping history cannot double count. A channel
// with no prior state and no samples is seeded from its live outbound fee.
func (t *Tracker) Update(id chanid.ID, samples []ledger.Sample, liveFeePpm int64, now time.Time) float64 {
	cs, ok := t.state.Channels[key(id)]
	if !ok {
		cs = &ChannelState{}
		t.state.Channels[key(id)] = cs
		if len(samples) == 0 {
			cs.AvgFeePpm = t.clamp(float64(liveFeePpm))
			cs.UpdatedAt = now.UnixNano()
			return cs.AvgFeePpm
		}
		// Seed from the oldest new sample, then fold in the rest.
		cs.AvgFeePpm = samples[0].TrueFeePpm
		cs.LastSample = samples[0].Timestamp.UnixNano()
		samples = samples[1:]
	}

	for _, sm := range samples {
		ts := sm.Timestamp.UnixNano()
		if ts <= cs.LastSample {
			continue
		}
		cs.AvgFeePpm = t.alpha*sm.TrueFeePpm + (1-t.alpha)*cs.AvgFeePpm
		cs.LastSample = ts
	}
	// Clamp once after the batch so intermediate dips do not distort the
	// smoothing, only the persisted result.
	cs.AvgFeePpm = t.clamp(cs.AvgFeePpm)
	cs.UpdatedAt = now.UnixNano()
	return cs.AvgFeePpm
}

func (t *Tracker) clamp(v float64) float64 {
	if v < t.minAvg {
		return t.minAvg
	}
	return v
}

// Prune drops state for channels not in the live set.
func (t *Tracker) Prune(live map[chanid.ID]bool) {
	for k := range t.state.Channels {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil || !live[chanid.ID(id)] {
			delete(t.state.Channels, k)
		}
	}
}

// Save atomically writes the full tracker state.
func (t *Tracker) Save() error {
	return statefile.Save(t.path, &t.state)
}
