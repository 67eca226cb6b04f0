package rts

import (
	"sync/atomic"
	"time"

	"github.com/ngaut/log"

	"github.com/larchdb/larch/kv/mvcc"
)

// runStats counts one pass's work. The progress logger reads them from
// another goroutine, hence the atomics.
type runStats struct {
	treesVisited         uint64
	treesSkipped         uint64
	pagesVisited         uint64
	pagesSkipped         uint64
	updatesAborted       uint64
	keysRemoved          uint64
	keysRestored         uint64
	hsRemoved            uint64
	hsRestored           uint64
	hsRestoredTombstones uint64
	hsSweepKeys          uint64
}

func (s *runStats) add(counter *uint64, n uint64) {
	atomic.AddUint64(counter, n)
}

func (s *runStats) logSummary(rollbackTs mvcc.Timestamp) {
	log.Infof("rollback to stable finished at %s: %d trees (%d skipped), %d pages (%d skipped), "+
		"%d updates aborted, %d keys removed, %d keys restored, "+
		"history store: %d removed, %d restored, %d tombstones restored, %d swept",
		mvcc.TsString(rollbackTs),
		atomic.LoadUint64(&s.treesVisited), atomic.LoadUint64(&s.treesSkipped),
		atomic.LoadUint64(&s.pagesVisited), atomic.LoadUint64(&s.pagesSkipped),
		atomic.LoadUint64(&s.updatesAborted),
		atomic.LoadUint64(&s.keysRemoved), atomic.LoadUint64(&s.keysRestored),
		atomic.LoadUint64(&s.hsRemoved), atomic.LoadUint64(&s.hsRestored),
		atomic.LoadUint64(&s.hsRestoredTombstones), atomic.LoadUint64(&s.hsSweepKeys))
}

// startProgress logs a progress line every period until the returned stop
// function is called. Long passes over large catalogs are otherwise silent.
func (r *Runner) startProgress(period time.Duration) func() {
	if period <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Infof("rollback to stable in progress (%v): %d trees visited, %d pages visited, %d updates aborted",
					time.Since(start).Round(time.Second),
					atomic.LoadUint64(&r.st.treesVisited),
					atomic.LoadUint64(&r.st.pagesVisited),
					atomic.LoadUint64(&r.st.updatesAborted))
			}
		}
	}()
	return func() { close(done) }
}
