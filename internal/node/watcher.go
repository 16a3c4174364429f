package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-mix/internal/log"
)

// Syncer refreshes local state from the chain node and returns its height.
type Syncer interface {
	Sync() (uint64, error)
}

// ChainWatcher polls the chain node and reports new tips.
type ChainWatcher struct {
	syncer   Syncer
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	height   uint64
	failures int
	onTip    []func(uint64)
}

// NewChainWatcher polls s every interval.
func NewChainWatcher(s Syncer, interval time.Duration) *ChainWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ChainWatcher{syncer: s, interval: interval, log: klog.WithComponent("watcher")}
}

// OnTip registers fn to be called with every new height.
func (cw *ChainWatcher) OnTip(fn func(uint64)) {
	cw.mu.Lock()
	cw.onTip = append(cw.onTip, fn)
	cw.mu.Unlock()
}

// Height returns the last height seen.
func (cw *ChainWatcher) Height() uint64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.height
}

// Run polls until ctx is cancelled.
func (cw *ChainWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cw.Poll()
		}
	}
}

// Poll syncs once. Listeners fire only when the height changes.
func (cw *ChainWatcher) Poll() {
	height, err := cw.syncer.Sync()

	cw.mu.Lock()
	if err != nil {
		cw.failures++
		n := cw.failures
		cw.mu.Unlock()
		// Log the first failure and then every tenth.
		if n == 1 || n%10 == 0 {
			cw.log.Warn().Err(err).Int("failures", n).Msg("Chain node sync failed")
		}
		return
	}
	if cw.failures > 0 {
		cw.log.Info().Int("failures", cw.failures).Msg("Chain node reachable again")
		cw.failures = 0
	}
	if height == cw.height {
		cw.mu.Unlock()
		return
	}
	cw.height = height
	listeners := append([]func(uint64){}, cw.onTip...)
	cw.mu.Unlock()

	cw.log.Debug().Uint64("height", height).Msg("New chain tip")
	for _, fn := range listeners {
		fn(height)
	}
}
