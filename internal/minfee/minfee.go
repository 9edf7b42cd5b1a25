// Package minfee enforces per-channel fee floors. A floor only ever raises a
// fee, so running it twice in a row is a no-op.
package minfee

import (
	"fmt"
	"math"

	"github.com/Benny-444/autofee/internal/chanid"
)

const (
	TypeStatic = "static"
	TypeAvgFee = "avg_fee"
)

// Rule is one channel's configured floor. A static rule carries the floor in
// MinValue as ppm. An avg_fee rule floors at MinValue percent of the
// channel's tracked average fee; a zero MinValue means the full average.
type Rule struct {
	ChanID   chanid.ID
	MinType  string
	MinValue int64
	Enabled  bool
}

// AvgLookup resolves a channel's current average fee.
type AvgLookup func(chanid.ID) (float64, bool)

// Floor resolves the minimum fee for a rule. It fails for a disabled rule,
// an unknown type, or an avg_fee rule on a channel with no tracked average.
func Floor(r Rule, avg AvgLookup) (int64, error) {
	if !r.Enabled {
		return 0, fmt.Errorf("rule for %s is disabled", r.ChanID.Compact())
	}
	switch r.MinType {
	case TypeStatic:
		return r.MinValue, nil
	case TypeAvgFee:
		a, ok := avg(r.ChanID)
		if !ok {
			return 0, fmt.Errorf("no average fee tracked for %s", r.ChanID.Compact())
		}
		pct := float64(r.MinValue)
		if pct <= 0 {
			pct = 100
		}
		return int64(math.Round(a * pct / 100)), nil
	default:
		return 0, fmt.Errorf("unknown min fee type %q for %s", r.MinType, r.ChanID.Compact())
	}
}

// Apply raises fee to floor when it is below, and never lowers it.
func Apply(fee, floor int64) int64 {
	if fee < floor {
		return floor
	}
	return fee
}
