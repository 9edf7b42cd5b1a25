// Package engine runs the fee pipeline: ledger ingestion, average tracking,
// the liquidity curve, stagnation handling, inbound discounts, fee floors,
// max HTLC sizing, and group synchronization, in that order. Each stage
// commits its policy store write before the next stage runs, so an external
// reader between stages always sees a complete file.
//
// Nothing serializes overlapping invocations against each other; the store
// and state files are last-writer-wins. Schedule runs so they cannot overlap.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/Benny-444/autofee/internal/avgfee"
	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/config"
	"github.com/Benny-444/autofee/internal/curve"
	"github.com/Benny-444/autofee/internal/groups"
	"github.com/Benny-444/autofee/internal/ledger"
	"github.com/Benny-444/autofee/internal/lndclient"
	"github.com/Benny-444/autofee/internal/maxhtlc"
	"github.com/Benny-444/autofee/internal/minfee"
	"github.com/Benny-444/autofee/internal/neginb"
	"github.com/Benny-444/autofee/internal/policy"
	"github.com/Benny-444/autofee/internal/stagnant"
)

// NodeProvider is the slice of the lnd client the engine consumes.
type NodeProvider interface {
	GetInfo(ctx context.Context) (lndclient.NodeInfo, error)
	ListChannels(ctx context.Context) ([]lndclient.Channel, error)
	ForwardingHistory(ctx context.Context, indexOffset uint64) ([]lndclient.ForwardingEvent, uint64, error)
}

// Engine wires the pipeline stages together for one node.
type Engine struct {
	cfg    *config.Config
	lnd    NodeProvider
	logger *log.Logger
	DryRun bool

	now func() time.Time
}

func New(cfg *config.Config, lnd NodeProvider, logger *log.Logger) *Engine {
	return &Engine{cfg: cfg, lnd: lnd, logger: logger, now: time.Now}
}

// cycle carries the shared working state of one pipeline run.
type cycle struct {
	now      time.Time
	channels []lndclient.Channel
	byID     map[chanid.ID]lndclient.Channel
	live     map[chanid.ID]bool

	store    *ledger.Store
	tracker  *avgfee.Tracker
	detector *stagnant.Detector
	inbound  *neginb.Controller
	policies *policy.File

	// Flags carried between stages within the run.
	wasStagnant map[chanid.ID]bool
	isStagnant  map[chanid.ID]bool
	preCurveFee map[chanid.ID]int64
}

// Run executes one full pipeline cycle. A node query failure aborts the run
// with all persisted state untouched; later stage failures leave the store
// at the last committed stage.
func (e *Engine) Run(ctx context.Context) error {
	cyc, err := e.prepare(ctx)
	if err != nil {
		return err
	}
	defer cyc.store.Close()

	stages := []struct {
		name string
		run  func(context.Context, *cycle) error
	}{
		{"ledger", e.runLedger},
		{"avgfee", e.runAvgFee},
		{"curve", e.runCurve},
		{"stagnant", e.runStagnation},
		{"neginb", e.runNegInb},
		{"minfee", e.runMinFee},
		{"maxhtlc", e.runMaxHTLC},
		{"groups", e.runGroups},
	}
	for _, stage := range stages {
		if err := stage.run(ctx, cyc); err != nil {
			e.logger.Printf("engine: stage %s failed: %v", stage.name, err)
			return fmt.Errorf("stage %s: %w", stage.name, err)
		}
		e.logger.Printf("engine: stage %s ok", stage.name)
	}
	return nil
}

func (e *Engine) prepare(ctx context.Context) (*cycle, error) {
	info, err := e.lnd.GetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("node unavailable: %w", err)
	}
	e.logger.Printf("engine: node %s (%s), block %d", info.Alias, info.Version, info.BlockHeight)

	all, err := e.lnd.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	cyc := &cycle{
		now:         e.now(),
		byID:        map[chanid.ID]lndclient.Channel{},
		live:        map[chanid.ID]bool{},
		wasStagnant: map[chanid.ID]bool{},
		isStagnant:  map[chanid.ID]bool{},
		preCurveFee: map[chanid.ID]int64{},
	}
	include, err := idSet(e.cfg.Channels.Include)
	if err != nil {
		return nil, fmt.Errorf("channels.include: %w", err)
	}
	exclude, err := idSet(e.cfg.Channels.Exclude)
	if err != nil {
		return nil, fmt.Errorf("channels.exclude: %w", err)
	}
	for _, ch := range all {
		cyc.live[ch.ChanID] = true
		if !ch.Active {
			e.logger.Printf("engine: skipping inactive channel %s (%s)", ch.ChanID.Compact(), ch.PeerAlias)
			continue
		}
		if len(include) > 0 && !include[ch.ChanID] {
			continue
		}
		if exclude[ch.ChanID] {
			continue
		}
		cyc.channels = append(cyc.channels, ch)
		cyc.byID[ch.ChanID] = ch
	}
	e.logger.Printf("engine: managing %d of %d channels", len(cyc.channels), len(all))

	cyc.store, err = ledger.Open(e.cfg.Paths.LedgerDB)
	if err != nil {
		return nil, err
	}
	cyc.tracker, err = avgfee.New(e.cfg.Paths.AvgFeeState, e.cfg.AvgFee.Alpha, float64(e.cfg.AvgFee.MinAvgFeePpm))
	if err != nil {
		cyc.store.Close()
		return nil, err
	}
	cyc.detector, err = stagnant.New(e.cfg.Paths.StagState, stagnant.Config{
		Strategy:             e.cfg.Stagnant.ActivitySource,
		RatioThreshold:       e.cfg.Stagnant.RatioThreshold,
		Window:               time.Duration(e.cfg.Stagnant.Hours) * time.Hour,
		RatioChangeThreshold: e.cfg.Stagnant.RatioChangeThreshold,
	}, cyc.store)
	if err != nil {
		cyc.store.Close()
		return nil, err
	}
	cyc.inbound, err = neginb.New(e.cfg.Paths.NegInbState, neginb.Config{
		TriggerPct:      e.cfg.NegInb.TriggerPct,
		RemovePct:       e.cfg.NegInb.RemovePct,
		MaxRemoteFeePpm: e.cfg.NegInb.MaxRemoteFeePpm,
		InitialPct:      float64(e.cfg.NegInb.InitialPct),
		IncrementPct:    float64(e.cfg.NegInb.IncrementPct),
		MaxPct:          float64(e.cfg.NegInb.MaxPct),
	})
	if err != nil {
		cyc.store.Close()
		return nil, err
	}

	pf, warnings, err := policy.Load(e.cfg.Paths.PolicyFile)
	if err != nil {
		cyc.store.Close()
		return nil, err
	}
	for _, w := range warnings {
		e.logger.Printf("engine: skipping malformed policy section %s: %v", w.Section, w.Err)
	}
	cyc.policies = pf

	return cyc, nil
}

func idSet(raw []string) (map[chanid.ID]bool, error) {
	set := map[chanid.ID]bool{}
	for _, s := range raw {
		id, err := chanid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid channel id %q: %w", s, err)
		}
		set[id] = true
	}
	return set, nil
}

// runLedger ingests new forwards with true-fee correction and prunes events
// past the retention window.
func (e *Engine) runLedger(ctx context.Context, cyc *cycle) error {
	cursor, err := cyc.store.Cursor()
	if err != nil {
		return err
	}
	events, lastOffset, err := e.lnd.ForwardingHistory(ctx, cursor)
	if err != nil {
		return fmt.Errorf("forwarding history: %w", err)
	}

	forwards := make([]ledger.Forward, 0, len(events))
	for _, evt := range events {
		forwards = append(forwards, ledger.Forward{
			ChanOut:    evt.ChanIDOut,
			Timestamp:  evt.Timestamp,
			AmtOutMsat: evt.AmtOutMsat,
			FeeMsat:    evt.FeeMsat,
		})
	}
	policies := func(id chanid.ID) (ledger.Policy, bool) {
		ch, ok := cyc.byID[id]
		if !ok || !ch.HasLocalPolicy {
			return ledger.Policy{}, false
		}
		return ledger.Policy{FeeRatePpm: ch.LocalFeePpm, BaseFeeMsat: ch.LocalBaseFeeMsat}, true
	}

	if e.DryRun {
		e.logger.Printf("engine: dry run, would ingest %d forwards from offset %d", len(forwards), cursor)
		return nil
	}
	inserted, skipped, err := cyc.store.Ingest(forwards, lastOffset, policies)
	if err != nil {
		return err
	}
	if skipped > 0 {
		e.logger.Printf("engine: skipped %d forwards with no amount or no resolvable policy", skipped)
	}
	pruned, err := cyc.store.Prune(cyc.now.AddDate(0, 0, -e.cfg.AvgFee.RetentionDays))
	if err != nil {
		return err
	}
	e.logger.Printf("engine: ingested %d forwards, pruned %d, cursor %d", inserted, pruned, lastOffset)
	return nil
}

// runAvgFee folds each channel's new samples into its EMA and persists every
// average in one write.
func (e *Engine) runAvgFee(ctx context.Context, cyc *cycle) error {
	since := cyc.now.AddDate(0, 0, -e.cfg.AvgFee.RetentionDays)
	for _, ch := range cyc.channels {
		samples, err := cyc.store.TrueFees(ch.ChanID, since)
		if err != nil {
			return err
		}
		avg := cyc.tracker.Update(ch.ChanID, samples, ch.LocalFeePpm, cyc.now)
		e.logger.Printf("engine: channel %s avg fee %.1f ppm (%d samples)", ch.ChanID.Compact(), avg, len(samples))
	}
	cyc.tracker.Prune(cyc.live)
	if e.DryRun {
		return nil
	}
	return cyc.tracker.Save()
}

// runCurve steps each channel's fee toward its liquidity target. Channels
// already marked stagnant are left alone; the decay pass owns them.
func (e *Engine) runCurve(ctx context.Context, cyc *cycle) error {
	for _, ch := range cyc.channels {
		if st, ok := cyc.detector.Status(ch.ChanID); ok && st.Stagnant {
			cyc.preCurveFee[ch.ChanID] = e.currentFee(cyc, ch)
			continue
		}

		avg, ok := cyc.tracker.Avg(ch.ChanID)
		if !ok {
			e.logger.Printf("engine: channel %s has no average yet, skipping curve", ch.ChanID.Compact())
			continue
		}

		current := e.currentFee(cyc, ch)
		cyc.preCurveFee[ch.ChanID] = current

		pivot := e.cfg.Curve.Pivot
		if override, ok := e.cfg.Curve.PivotOverrides[ch.ChanID.String()]; ok {
			pivot = override
		}
		target := math.Max(0, math.Round(curve.TargetFee(avg, ch.OutboundRatio(), pivot)))
		next := curve.Step(current, target, e.cfg.Curve.AdjustmentFactor)

		entry, _ := cyc.policies.Get(ch.ChanID)
		entry.ChanID = ch.ChanID
		entry.Strategy = "static"
		entry.FeePpm = next
		cyc.policies.Put(entry)
		if next != current {
			e.logger.Printf("engine: channel %s fee %d -> %d ppm (target %.0f, ratio %.2f)",
				ch.ChanID.Compact(), current, next, target, ch.OutboundRatio())
		}
	}
	return e.commit(cyc)
}

// currentFee prefers the stored policy fee over the live one, so the rate
// limit composes across cycles even when the external agent lags.
func (e *Engine) currentFee(cyc *cycle, ch lndclient.Channel) int64 {
	if entry, ok := cyc.policies.Get(ch.ChanID); ok {
		return entry.FeePpm
	}
	return ch.LocalFeePpm
}

// runStagnation evaluates the idle state machine, freezes newly stagnant
// channels at their pre-curve fee, and decays channels that were already
// stagnant coming into this run.
func (e *Engine) runStagnation(ctx context.Context, cyc *cycle) error {
	for _, ch := range cyc.channels {
		if st, ok := cyc.detector.Status(ch.ChanID); ok {
			cyc.wasStagnant[ch.ChanID] = st.Stagnant
		}
		isStagnant, err := cyc.detector.Evaluate(ch.ChanID, ch.OutboundRatio(), cyc.now)
		if err != nil {
			return err
		}
		cyc.isStagnant[ch.ChanID] = isStagnant

		entry, ok := cyc.policies.Get(ch.ChanID)
		if !ok {
			continue
		}
		switch {
		case isStagnant && !cyc.wasStagnant[ch.ChanID]:
			// Newly detected: hold the fee where it was before the curve
			// moved it this cycle, and mark the section.
			if fee, ok := cyc.preCurveFee[ch.ChanID]; ok {
				entry.FeePpm = fee
			}
			entry.Stagnant = true
			cyc.policies.Put(entry)
			e.logger.Printf("engine: channel %s marked stagnant at %d ppm", ch.ChanID.Compact(), entry.FeePpm)

		case isStagnant:
			// Config carries the reduction as a percentage.
			reduction := e.cfg.Stagnant.ReductionPct / 100
			decayed := stagnant.Decay(entry.FeePpm, reduction)
			if decayed != entry.FeePpm {
				e.logger.Printf("engine: channel %s stagnant decay %d -> %d ppm", ch.ChanID.Compact(), entry.FeePpm, decayed)
			}
			entry.FeePpm = decayed
			if entry.InboundFeePpm != nil {
				inbound := stagnant.Decay(*entry.InboundFeePpm, reduction)
				if inbound == 0 {
					entry.InboundFeePpm = nil
				} else {
					entry.InboundFeePpm = &inbound
				}
			}
			entry.Stagnant = true
			cyc.policies.Put(entry)

		case entry.Stagnant:
			entry.Stagnant = false
			cyc.policies.Put(entry)
			e.logger.Printf("engine: channel %s active again", ch.ChanID.Compact())
		}
	}
	cyc.detector.Prune(cyc.live)
	if !e.DryRun {
		if err := cyc.detector.Save(); err != nil {
			return err
		}
	}
	return e.commit(cyc)
}

// runNegInb advances the inbound discount ramp for drained channels.
// Stagnant channels are owned by the decay pass and skipped here.
func (e *Engine) runNegInb(ctx context.Context, cyc *cycle) error {
	skip, err := idSet(e.cfg.NegInb.ExcludeRemoteFeeCheck)
	if err != nil {
		return fmt.Errorf("neginb.exclude_remote_fee_check: %w", err)
	}
	for _, ch := range cyc.channels {
		if cyc.isStagnant[ch.ChanID] {
			continue
		}
		avg, ok := cyc.tracker.Avg(ch.ChanID)
		if !ok {
			continue
		}

		remoteFee := ch.PeerFeeRatePpm
		if !ch.HasPeerPolicy {
			// Unknown peer policy cannot pass the gate.
			remoteFee = e.cfg.NegInb.MaxRemoteFeePpm + 1
		}
		value, active := cyc.inbound.Decide(ch.ChanID, neginb.Input{
			OutboundRatio:      ch.OutboundRatio(),
			AvgFeePpm:          avg,
			RemoteFeePpm:       remoteFee,
			SkipRemoteFeeCheck: skip[ch.ChanID],
		})

		entry, ok := cyc.policies.Get(ch.ChanID)
		if !ok {
			continue
		}
		if active {
			if entry.InboundFeePpm == nil || *entry.InboundFeePpm != value {
				e.logger.Printf("engine: channel %s inbound fee %d ppm", ch.ChanID.Compact(), value)
			}
			entry.InboundFeePpm = &value
			cyc.policies.Put(entry)
		} else if entry.InboundFeePpm != nil && *entry.InboundFeePpm != 0 {
			// The agent needs an explicit zero once to reset the discount.
			zero := int64(0)
			entry.InboundFeePpm = &zero
			cyc.policies.Put(entry)
			e.logger.Printf("engine: channel %s inbound discount removed", ch.ChanID.Compact())
		}
	}
	cyc.inbound.Prune(cyc.live)
	if !e.DryRun {
		if err := cyc.inbound.Save(); err != nil {
			return err
		}
	}
	return e.commit(cyc)
}

// runMinFee raises fees below their configured floors.
func (e *Engine) runMinFee(ctx context.Context, cyc *cycle) error {
	for _, rule := range e.cfg.MinFee.Rules {
		if !rule.Enabled {
			continue
		}
		id, err := chanid.Parse(rule.ChanID)
		if err != nil {
			e.logger.Printf("engine: minfee rule has invalid channel id %q: %v", rule.ChanID, err)
			continue
		}
		entry, ok := cyc.policies.Get(id)
		if !ok {
			continue
		}
		floor, err := minfee.Floor(minfee.Rule{
			ChanID:   id,
			MinType:  rule.MinType,
			MinValue: rule.MinValue,
			Enabled:  rule.Enabled,
		}, cyc.tracker.Avg)
		if err != nil {
			e.logger.Printf("engine: minfee rule for %s skipped: %v", id.Compact(), err)
			continue
		}
		raised := minfee.Apply(entry.FeePpm, floor)
		if raised != entry.FeePpm {
			e.logger.Printf("engine: channel %s raised to floor %d ppm", id.Compact(), raised)
			entry.FeePpm = raised
			cyc.policies.Put(entry)
		}
	}
	return e.commit(cyc)
}

// runMaxHTLC advertises the spendable slice of each channel's local balance.
func (e *Engine) runMaxHTLC(ctx context.Context, cyc *cycle) error {
	if !e.cfg.MaxHTLC.Enabled {
		return nil
	}
	cfg := maxhtlc.Config{Ratio: e.cfg.MaxHTLC.Ratio, ReserveOffset: e.cfg.MaxHTLC.ReserveOffset}
	for _, ch := range cyc.channels {
		entry, ok := cyc.policies.Get(ch.ChanID)
		if !ok {
			continue
		}
		v := maxhtlc.Compute(cfg, uint64(ch.CapacitySat), uint64(ch.LocalBalanceSat))
		if entry.MaxHtlcMsat == nil || *entry.MaxHtlcMsat != v {
			entry.MaxHtlcMsat = &v
			cyc.policies.Put(entry)
		}
	}
	return e.commit(cyc)
}

// runGroups synchronizes group members last, so group fees are authoritative.
func (e *Engine) runGroups(ctx context.Context, cyc *cycle) error {
	var grps []groups.Group
	for _, g := range e.cfg.Groups {
		ids := make([]chanid.ID, 0, len(g.ChanIDs))
		for _, s := range g.ChanIDs {
			id, err := chanid.Parse(s)
			if err != nil {
				return fmt.Errorf("group %q: invalid channel id %q: %w", g.Name, s, err)
			}
			ids = append(ids, id)
		}
		grps = append(grps, groups.Group{
			Name:             g.Name,
			ChanIDs:          ids,
			Strategy:         g.Strategy,
			StaticFee:        g.StaticFee,
			SyncInbound:      g.SyncInbound,
			InboundStrategy:  g.InboundStrategy,
			StaticInboundFee: g.StaticInboundFee,
			Enabled:          g.Enabled,
		})
	}
	changed, err := groups.Apply(cyc.policies, grps)
	if err != nil {
		return err
	}
	if changed > 0 {
		e.logger.Printf("engine: group sync changed %d entries", changed)
	}
	return e.commit(cyc)
}

func (e *Engine) commit(cyc *cycle) error {
	if e.DryRun {
		return nil
	}
	return cyc.policies.Save()
}
