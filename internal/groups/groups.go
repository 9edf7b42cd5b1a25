// Package groups synchronizes fees across configured channel groups, e.g.
// parallel channels to the same peer. It runs after every other stage so the
// group fee is the last word in the policy file.
package groups

import (
	"fmt"
	"math"

	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/policy"
)

const (
	StrategyHighest = "highest"
	StrategyLowest  = "lowest"
	StrategyAverage = "average"
	StrategyStatic  = "static"
)

// Group is one set of channels whose fees move together.
type Group struct {
	Name             string
	ChanIDs          []chanid.ID
	Strategy         string
	StaticFee        int64
	SyncInbound      bool
	InboundStrategy  string
	StaticInboundFee int64
	Enabled          bool
}

// Apply rewrites the policy entries of every enabled group so all members
// carry the group fee. Members without a policy entry are skipped. Returns
// the number of entries changed.
func Apply(pf *policy.File, grps []Group) (int, error) {
	changed := 0
	for _, g := range grps {
		if !g.Enabled || len(g.ChanIDs) == 0 {
			continue
		}
		n, err := applyGroup(pf, g)
		if err != nil {
			return changed, fmt.Errorf("group %q: %w", g.Name, err)
		}
		changed += n
	}
	return changed, nil
}

func applyGroup(pf *policy.File, g Group) (int, error) {
	var members []policy.Entry
	var outbound []int64
	var inbound []int64
	for _, id := range g.ChanIDs {
		entry, ok := pf.Get(id)
		if !ok {
			continue
		}
		members = append(members, entry)
		outbound = append(outbound, entry.FeePpm)
		// An absent inbound key counts as zero so a single discounted
		// member does not block the group from settling on a value.
		if entry.InboundFeePpm != nil {
			inbound = append(inbound, *entry.InboundFeePpm)
		} else {
			inbound = append(inbound, 0)
		}
	}
	if len(members) == 0 {
		return 0, nil
	}

	groupFee, err := resolve(outbound, g.Strategy, g.StaticFee)
	if err != nil {
		return 0, err
	}

	syncInbound := g.SyncInbound
	var groupInbound int64
	if syncInbound {
		strategy := g.InboundStrategy
		if strategy == "" {
			strategy = g.Strategy
		}
		groupInbound, err = resolve(inbound, strategy, g.StaticInboundFee)
		if err != nil {
			return 0, err
		}
	}

	changed := 0
	for _, entry := range members {
		dirty := false
		if entry.FeePpm != groupFee {
			entry.FeePpm = groupFee
			dirty = true
		}
		if syncInbound {
			if entry.InboundFeePpm == nil || *entry.InboundFeePpm != groupInbound {
				v := groupInbound
				entry.InboundFeePpm = &v
				dirty = true
			}
		}
		if dirty {
			pf.Put(entry)
			changed++
		}
	}
	return changed, nil
}

func resolve(fees []int64, strategy string, static int64) (int64, error) {
	switch strategy {
	case StrategyStatic:
		return static, nil
	case StrategyHighest:
		best := fees[0]
		for _, f := range fees[1:] {
			if f > best {
				best = f
			}
		}
		return best, nil
	case StrategyLowest:
		best := fees[0]
		for _, f := range fees[1:] {
			if f < best {
				best = f
			}
		}
		return best, nil
	case StrategyAverage:
		sum := int64(0)
		for _, f := range fees {
			sum += f
		}
		return int64(math.Round(float64(sum) / float64(len(fees)))), nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", strategy)
	}
}
