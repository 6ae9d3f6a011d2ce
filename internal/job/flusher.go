// SPDX-License-Identifier: MIT

package job

import (
	"context"
	"time"

	"github.com/zimustudio/zimu/internal/log"
)

// Flusher periodically snapshots dirty records to meta/. It is the only
// writer of meta files during steady state, so flush frequency directly
// bounds how stale the durable replica can be.
type Flusher struct {
	Registry *Registry
	Interval time.Duration
}

// Run loops until ctx is cancelled, then performs a final flush of every
// record so shutdown never loses acknowledged mutations.
func (f *Flusher) Run(ctx context.Context) {
	logger := log.WithComponent("meta-flusher")
	interval := f.Interval
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n := f.Registry.FlushAll()
			logger.Info().Int("flushed", n).Msg("final meta flush complete")
			return
		case <-ticker.C:
			f.Registry.FlushDirty()
		}
	}
}
