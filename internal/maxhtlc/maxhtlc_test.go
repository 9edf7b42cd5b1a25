package maxhtlc

import "testing"

func TestCompute(t *testing.T) {
	cfg := Config{Ratio: 0.98, ReserveOffset: 0.01}

	// 10M sat capacity: 100k reserve, 2M local leaves 1.9M usable,
	// advertised at 98% in msat.
	if got := Compute(cfg, 10_000_000, 2_000_000); got != 1_862_000_000 {
		t.Fatalf("Compute = %d, want 1862000000", got)
	}
}

func TestComputeZeroBalance(t *testing.T) {
	cfg := Config{Ratio: 0.98, ReserveOffset: 0.01}
	if got := Compute(cfg, 10_000_000, 0); got != 1000 {
		t.Fatalf("zero balance: got %d, want 1000 msat", got)
	}
}

func TestComputeBalanceBelowReserve(t *testing.T) {
	cfg := Config{Ratio: 0.98, ReserveOffset: 0.01}
	// Local balance entirely eaten by the reserve: nothing usable.
	if got := Compute(cfg, 10_000_000, 50_000); got != 0 {
		t.Fatalf("below reserve: got %d, want 0", got)
	}
}
