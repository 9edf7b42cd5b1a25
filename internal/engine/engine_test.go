package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/config"
	"github.com/Benny-444/autofee/internal/lndclient"
	"github.com/Benny-444/autofee/internal/policy"
)

type fakeNode struct {
	info       lndclient.NodeInfo
	infoErr    error
	channels   []lndclient.Channel
	events     []lndclient.ForwardingEvent
	lastOffset uint64
}

func (f *fakeNode) GetInfo(ctx context.Context) (lndclient.NodeInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeNode) ListChannels(ctx context.Context) ([]lndclient.Channel, error) {
	return f.channels, nil
}

func (f *fakeNode) ForwardingHistory(ctx context.Context, indexOffset uint64) ([]lndclient.ForwardingEvent, uint64, error) {
	return f.events, f.lastOffset, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Paths: config.PathsConfig{
			DataDir:     dir,
			PolicyFile:  filepath.Join(dir, "dynamic_charge.ini"),
			LedgerDB:    filepath.Join(dir, "fee_history.db"),
			AvgFeeState: filepath.Join(dir, "avg_fees.json"),
			StagState:   filepath.Join(dir, "stagnant_state.json"),
			NegInbState: filepath.Join(dir, "neginb_fees.json"),
		},
		AvgFee: config.AvgFeeConfig{Alpha: 0.15, MinAvgFeePpm: 10, RetentionDays: 14},
		Curve:  config.CurveConfig{AdjustmentFactor: 0.05, Pivot: 0.5},
		Stagnant: config.StagnantConfig{
			RatioThreshold: 0.30, Hours: 72, ReductionPct: 5,
			ActivitySource: "forwards", RatioChangeThreshold: 0.001,
		},
		NegInb: config.NegInbConfig{
			TriggerPct: 20, RemovePct: 40, MaxRemoteFeePpm: 2,
			InitialPct: 30, IncrementPct: 1, MaxPct: 70,
		},
		MaxHTLC: config.MaxHTLCConfig{Enabled: true, Ratio: 0.98, ReserveOffset: 0.01},
	}
}

func testChannel(id chanid.ID, capacity, local int64, feePpm int64) lndclient.Channel {
	return lndclient.Channel{
		ChanID:           id,
		ChannelPoint:     "aaaa:1",
		RemotePubkey:     "02abc",
		PeerAlias:        "peer",
		Active:           true,
		CapacitySat:      capacity,
		LocalBalanceSat:  local,
		RemoteBalanceSat: capacity - local,
		LocalFeePpm:      feePpm,
		HasLocalPolicy:   true,
		PeerFeeRatePpm:   1,
		HasPeerPolicy:    true,
	}
}

func newTestEngine(cfg *config.Config, node NodeProvider) *Engine {
	return New(cfg, node, log.New(os.Stderr, "", log.LstdFlags))
}

func TestRunWritesPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	id := chanid.FromParts(800000, 1, 0)
	now := time.Now()

	node := &fakeNode{
		info:     lndclient.NodeInfo{Pubkey: "02self", Alias: "node"},
		channels: []lndclient.Channel{testChannel(id, 10_000_000, 2_500_000, 100)},
		events: []lndclient.ForwardingEvent{{
			ChanIDOut:  id,
			Timestamp:  now.Add(-time.Hour),
			AmtOutMsat: 1_000_000_000,
			FeeMsat:    500_000,
		}},
		lastOffset: 7,
	}

	eng := newTestEngine(cfg, node)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pf, warnings, err := policy.Load(cfg.Paths.PolicyFile)
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	entry, ok := pf.Get(id)
	if !ok {
		t.Fatalf("no policy entry written")
	}
	// The average seeds at 500 ppm from the single forward. Ratio 0.25 puts
	// the target at 750; a 5% step from the current 100 rounds to 33.
	if entry.FeePpm != 133 {
		t.Fatalf("fee = %d, want 133", entry.FeePpm)
	}
	if entry.Strategy != "static" {
		t.Fatalf("strategy = %q, want static", entry.Strategy)
	}
	// Ratio 0.25 sits in the maintenance band, so no discount is active.
	if entry.InboundFeePpm != nil {
		t.Fatalf("unexpected inbound fee %d", *entry.InboundFeePpm)
	}
	if entry.MaxHtlcMsat == nil {
		t.Fatalf("max htlc not set")
	}
	// usable = 2.5M - 100k reserve, advertised at 98% in msat.
	if *entry.MaxHtlcMsat != 2_352_000_000 {
		t.Fatalf("max htlc = %d, want 2352000000", *entry.MaxHtlcMsat)
	}

	for _, p := range []string{cfg.Paths.AvgFeeState, cfg.Paths.StagState, cfg.Paths.NegInbState} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("state file %s not written: %v", p, err)
		}
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	id := chanid.FromParts(800000, 1, 0)
	node := &fakeNode{
		channels: []lndclient.Channel{testChannel(id, 10_000_000, 2_500_000, 100)},
	}

	eng := newTestEngine(cfg, node)
	eng.DryRun = true
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, p := range []string{cfg.Paths.PolicyFile, cfg.Paths.AvgFeeState, cfg.Paths.StagState, cfg.Paths.NegInbState} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("dry run wrote %s", p)
		}
	}
}

func TestRunAbortsWhenNodeUnavailable(t *testing.T) {
	cfg := testConfig(t)
	node := &fakeNode{infoErr: errors.New("connection refused")}

	eng := newTestEngine(cfg, node)
	if err := eng.Run(context.Background()); err == nil {
		t.Fatalf("expected error when the node is unavailable")
	}
	if _, err := os.Stat(cfg.Paths.PolicyFile); !os.IsNotExist(err) {
		t.Fatalf("policy file written despite aborted run")
	}
}

func TestRunSkipsInactiveAndExcluded(t *testing.T) {
	cfg := testConfig(t)
	active := chanid.FromParts(800000, 1, 0)
	inactive := chanid.FromParts(800000, 2, 0)
	excluded := chanid.FromParts(800000, 3, 0)
	cfg.Channels.Exclude = []string{excluded.String()}

	inactiveCh := testChannel(inactive, 10_000_000, 5_000_000, 100)
	inactiveCh.Active = false

	node := &fakeNode{
		channels: []lndclient.Channel{
			testChannel(active, 10_000_000, 2_500_000, 100),
			inactiveCh,
			testChannel(excluded, 10_000_000, 5_000_000, 100),
		},
	}

	eng := newTestEngine(cfg, node)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pf, _, err := policy.Load(cfg.Paths.PolicyFile)
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	if _, ok := pf.Get(active); !ok {
		t.Fatalf("active channel missing from policy")
	}
	if _, ok := pf.Get(inactive); ok {
		t.Fatalf("inactive channel present in policy")
	}
	if _, ok := pf.Get(excluded); ok {
		t.Fatalf("excluded channel present in policy")
	}
}

func TestRunGroupSyncOverridesCurve(t *testing.T) {
	cfg := testConfig(t)
	a := chanid.FromParts(800000, 1, 0)
	b := chanid.FromParts(800000, 2, 0)
	cfg.Groups = []config.GroupConfig{{
		Name:     "parallel",
		ChanIDs:  []string{a.String(), b.String()},
		Strategy: "highest",
		Enabled:  true,
	}}

	node := &fakeNode{
		channels: []lndclient.Channel{
			testChannel(a, 10_000_000, 2_500_000, 100),
			testChannel(b, 10_000_000, 2_500_000, 400),
		},
	}

	eng := newTestEngine(cfg, node)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pf, _, err := policy.Load(cfg.Paths.PolicyFile)
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	ea, _ := pf.Get(a)
	eb, _ := pf.Get(b)
	if ea.FeePpm != eb.FeePpm {
		t.Fatalf("group members diverged: %d vs %d", ea.FeePpm, eb.FeePpm)
	}
}

func TestRunMinFeeRaisesFloor(t *testing.T) {
	cfg := testConfig(t)
	id := chanid.FromParts(800000, 1, 0)
	cfg.MinFee.Rules = []config.MinFeeRule{{
		ChanID: id.String(), MinType: "static", MinValue: 500, Enabled: true,
	}}

	node := &fakeNode{
		channels: []lndclient.Channel{testChannel(id, 10_000_000, 5_000_000, 100)},
	}

	eng := newTestEngine(cfg, node)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pf, _, err := policy.Load(cfg.Paths.PolicyFile)
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	entry, _ := pf.Get(id)
	if entry.FeePpm != 500 {
		t.Fatalf("fee = %d, want floor 500", entry.FeePpm)
	}
}
