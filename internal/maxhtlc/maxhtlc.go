// Package maxhtlc computes the max HTLC a channel should advertise: a slice
// of the local balance that is actually spendable after the channel reserve,
// so peers stop attempting forwards the channel cannot carry.
package maxhtlc

// Config tunes the computation. Ratio is the share of the usable balance to
// advertise and ReserveOffset the share of capacity held back as reserve.
type Config struct {
	Ratio         float64
	ReserveOffset float64
}

// Compute returns the max HTLC in msat for a channel with the given capacity
// and local balance, both in sats. A channel with no local balance
// advertises one sat so the policy stays valid.
func Compute(cfg Config, capacitySat, localBalanceSat uint64) uint64 {
	if localBalanceSat == 0 {
		return 1000
	}
	reserve := uint64(float64(capacitySat) * cfg.ReserveOffset)
	usable := uint64(0)
	if localBalanceSat > reserve {
		usable = localBalanceSat - reserve
	}
	return uint64(float64(usable) * cfg.Ratio * 1000)
}
