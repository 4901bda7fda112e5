package dispatcher

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
)

// EpochTicker increments rt's epoch on a fixed wall-clock cadence (spec.md
// §4.4 step 4: "a separate engine thread increments the epoch on a fixed
// wall-clock cadence"). wazero has no epoch counter of its own — ticking is
// kept here only so operationally it still reads like the reference design
// ("bounds per-call CPU without killing in-flight work"); the actual
// cancellation primitive is wazero.RuntimeConfig.WithCloseOnContextDone paired with
// the per-invocation wall-clock context.WithTimeout in Handler.ServeHTTP.
type EpochTicker struct {
	interval time.Duration
	tick     uint64
}

// NewEpochTicker builds a ticker at the given cadence (default 10ms).
func NewEpochTicker(interval time.Duration) *EpochTicker {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &EpochTicker{interval: interval}
}

// Run ticks until ctx is done. rt is accepted for symmetry with wazero's own
// engines that expose an epoch counter; wazero's Runtime has none, so this
// loop only advances the ticker's own counter (observable via Ticks) rather
// than calling into rt.
func (t *EpochTicker) Run(ctx context.Context, _ wazero.Runtime) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick++
		}
	}
}

// Ticks reports the number of epoch ticks observed so far.
func (t *EpochTicker) Ticks() uint64 {
	return t.tick
}
