package neginb

import (
	"path/filepath"
	"testing"

	"github.com/Benny-444/autofee/internal/chanid"
)

func defaultConfig() Config {
	return Config{
		TriggerPct:      20,
		RemovePct:       40,
		MaxRemoteFeePpm: 2,
		InitialPct:      30,
		IncrementPct:    1,
		MaxPct:          70,
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "neginb.json"), defaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// seedLatch observes the channel with healthy outbound liquidity once, so a
// later drop below the trigger counts as a drain.
func seedLatch(c *Controller, id chanid.ID) {
	c.Decide(id, Input{OutboundRatio: 0.50, AvgFeePpm: 1000, RemoteFeePpm: 1})
}

func TestActivatesAtInitialPct(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)

	// Drained channel, cheap peer, average 1000: 30% discount.
	fee, active := c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if !active {
		t.Fatalf("expected an active discount")
	}
	if fee != -300 {
		t.Fatalf("inbound fee = %d, want -300", fee)
	}
}

func TestNeverDrainedNeverActivates(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)

	// The channel has been below the trigger since it was first seen: it
	// never held liquidity from a higher level, so no discount, ever.
	for i := 0; i < 50; i++ {
		fee, active := c.Decide(id, Input{OutboundRatio: 0.05, AvgFeePpm: 1000, RemoteFeePpm: 1})
		if active || fee != 0 {
			t.Fatalf("run %d: unlatched channel activated (fee %d)", i, fee)
		}
	}
}

func TestRampsToCeiling(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)
	in := Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1}

	fee, _ := c.Decide(id, in)
	if fee != -300 {
		t.Fatalf("first run: fee = %d, want -300", fee)
	}
	fee, _ = c.Decide(id, in)
	if fee != -310 {
		t.Fatalf("second run: fee = %d, want -310", fee)
	}

	// Many more runs pin the ramp at the 70% ceiling.
	for i := 0; i < 100; i++ {
		fee, _ = c.Decide(id, in)
	}
	if fee != -700 {
		t.Fatalf("ramp ceiling: fee = %d, want -700", fee)
	}
}

func TestExpensivePeerNeverActivates(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)

	for i := 0; i < 10; i++ {
		fee, active := c.Decide(id, Input{OutboundRatio: 0.05, AvgFeePpm: 1000, RemoteFeePpm: 50})
		if active || fee != 0 {
			t.Fatalf("run %d: discount active despite expensive peer (fee %d)", i, fee)
		}
	}
}

func TestExpensivePeerRemovesDiscount(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)

	c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	// The peer raised its fee mid-ramp: the discount is removed, not held.
	fee, active := c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 50})
	if active || fee != 0 {
		t.Fatalf("fee = %d,%v, want discount removed", fee, active)
	}

	// The peer got cheap again: the ramp restarts from the initial
	// percentage rather than resuming where it left off.
	fee, active = c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if !active || fee != -300 {
		t.Fatalf("fee = %d,%v, want fresh -300", fee, active)
	}
}

func TestBandBoundaries(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)

	// Exactly the trigger does not latch; the share must exceed it.
	c.Decide(id, Input{OutboundRatio: 0.20, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if fee, active := c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1}); active || fee != 0 {
		t.Fatalf("fee = %d,%v, latched at exactly the trigger", fee, active)
	}

	seedLatch(c, id)
	c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	// Exactly the removal threshold is still the maintenance band.
	fee, active := c.Decide(id, Input{OutboundRatio: 0.40, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if !active || fee != -300 {
		t.Fatalf("fee = %d,%v, removed at exactly the upper threshold", fee, active)
	}
}

func TestSkipRemoteFeeCheck(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)

	_, active := c.Decide(id, Input{
		OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 50, SkipRemoteFeeCheck: true,
	})
	if !active {
		t.Fatalf("excluded channel still gated on remote fee")
	}
}

func TestHysteresisBand(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)

	// Inactive in the band: nothing happens (but the latch is set, since 30%
	// is above the trigger).
	if _, active := c.Decide(id, Input{OutboundRatio: 0.30, AvgFeePpm: 1000, RemoteFeePpm: 1}); active {
		t.Fatalf("discount activated inside the hysteresis band")
	}

	c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	// Recovered into the band: the discount holds without ramping, and
	// tracks the current average.
	fee, active := c.Decide(id, Input{OutboundRatio: 0.30, AvgFeePpm: 2000, RemoteFeePpm: 1})
	if !active || fee != -600 {
		t.Fatalf("fee = %d,%v, want latched -600", fee, active)
	}
	fee, active = c.Decide(id, Input{OutboundRatio: 0.30, AvgFeePpm: 2000, RemoteFeePpm: 1})
	if !active || fee != -600 {
		t.Fatalf("fee = %d,%v, ramp advanced inside the band", fee, active)
	}
}

func TestRemovesAboveUpperThreshold(t *testing.T) {
	c := newTestController(t)
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)

	c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	fee, active := c.Decide(id, Input{OutboundRatio: 0.50, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if active || fee != 0 {
		t.Fatalf("discount survived recovery: fee = %d, active = %v", fee, active)
	}
	if c.Active(id) {
		t.Fatalf("state still active after removal")
	}

	// Re-entry starts the ramp over from the initial percentage; the latch
	// survived the removal.
	fee, _ = c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if fee != -300 {
		t.Fatalf("re-entry fee = %d, want -300", fee)
	}
}

func TestPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neginb.json")
	c, err := New(path, defaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := chanid.FromParts(800000, 1, 0)
	seedLatch(c, id)
	c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	c.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2, err := New(path, defaultConfig())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	fee, active := c2.Decide(id, Input{OutboundRatio: 0.10, AvgFeePpm: 1000, RemoteFeePpm: 1})
	if !active || fee != -320 {
		t.Fatalf("fee after reload = %d,%v, want -320 (ramp continued)", fee, active)
	}
}
