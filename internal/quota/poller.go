package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/logging"
	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

const maxRetries = 3

// retryBaseDelay scales linearly with the retry number. Variable so tests
// can shrink the waits.
var retryBaseDelay = 5 * time.Second

// Fetcher produces snapshots for one provider family.
type Fetcher interface {
	// AccountKeys lists the accounts to poll, in iteration order.
	AccountKeys() ([]string, error)
	// Fetch produces a fresh snapshot for one account key.
	Fetch(ctx context.Context, accountKey string) (*Snapshot, error)
}

// HistorySink persists per-model samples of published snapshots.
type HistorySink interface {
	AppendSamples(samples []store.QuotaSample) error
}

// Poller owns the repeating schedule for one provider family. Accounts
// are iterated sequentially per cycle; a failing account is retried to
// exhaustion before the next account is attempted.
type Poller struct {
	provider string
	fetcher  Fetcher
	cache    *Cache
	history  HistorySink // optional
	log      *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	running  bool
	cancel   context.CancelFunc
	kick     chan struct{}
	done     chan struct{}
}

// NewPoller wires a poller for one provider family.
func NewPoller(provider string, fetcher Fetcher, cache *Cache, history HistorySink, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{
		provider: provider,
		fetcher:  fetcher,
		cache:    cache,
		history:  history,
		log:      log.With(zap.String("provider", provider)),
		interval: interval,
	}
}

// StartPolling launches the schedule. A no-op when already running.
func (p *Poller) StartPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.kick = make(chan struct{}, 1)
	p.done = make(chan struct{})
	go p.loop(ctx, p.kick, p.done, p.interval)
	p.log.Info("polling started", zap.Duration("interval", p.interval))
}

// StopPolling halts the schedule and waits for the current cycle to wind
// down. A no-op when not running.
func (p *Poller) StopPolling() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Info("polling stopped")
}

// IsPolling reports whether the schedule is active.
func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetInterval changes the schedule period. Takes effect from the next
// cycle; restarts the ticker when polling is active.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	running := p.running
	p.mu.Unlock()

	if running {
		p.StopPolling()
		p.StartPolling()
	}
}

// RefreshNow triggers an immediate cycle on the running schedule, or a
// single one-shot cycle when polling is stopped.
func (p *Poller) RefreshNow() {
	p.mu.Lock()
	kick := p.kick
	running := p.running
	p.mu.Unlock()

	if running {
		select {
		case kick <- struct{}{}:
		default: // a refresh is already queued
		}
		return
	}
	go p.runCycle(context.Background())
}

func (p *Poller) loop(ctx context.Context, kick <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle runs immediately rather than one interval in.
	p.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		case <-kick:
			p.runCycle(ctx)
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	cycleID := logging.NewCycleID()
	ctx = logging.WithCycleID(ctx, cycleID)
	log := p.log.With(zap.String("cycle", cycleID))

	keys, err := p.fetcher.AccountKeys()
	if err != nil {
		log.Warn("listing accounts failed", zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}

	log.Debug("poll cycle starting", zap.Int("accounts", len(keys)))
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if stop := p.fetchAccount(ctx, log, key); stop {
			// Auth rejection: stop polling entirely, in the background
			// because StopPolling waits for this cycle to return.
			go p.StopPolling()
			return
		}
	}
	p.cache.PublishStatus(StatusEvent{Provider: p.provider, Status: StatusIdle})
}

// fetchAccount runs one account's fetch with the bounded retry policy.
// Returns true when polling must stop (re-authentication required).
func (p *Poller) fetchAccount(ctx context.Context, log *zap.Logger, key string) (stop bool) {
	p.cache.PublishStatus(StatusEvent{Provider: p.provider, Status: StatusFetching})

	for attempt := 0; ; attempt++ {
		snap, err := p.fetcher.Fetch(ctx, key)
		if err == nil {
			p.cache.Put(key, *snap)
			p.appendHistory(key, snap)
			log.Debug("snapshot published", zap.String("account", key), zap.Int("entries", len(snap.Entries)))
			return false
		}

		if upstream.IsAuthRejected(err) {
			log.Warn("authorization rejected, polling stops until re-login",
				zap.String("account", key), zap.Error(err))
			p.cache.PublishError(key, err)
			return true
		}
		if !upstream.Retryable(err) || attempt >= maxRetries {
			log.Warn("fetch failed", zap.String("account", key),
				zap.Int("attempts", attempt+1), zap.Error(err))
			p.cache.PublishError(key, err)
			return false
		}

		retry := attempt + 1
		delay := time.Duration(retry) * retryBaseDelay
		p.cache.PublishStatus(StatusEvent{Provider: p.provider, Status: StatusRetrying, RetryCount: retry})
		log.Debug("retrying fetch", zap.String("account", key),
			zap.Int("retry", retry), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func (p *Poller) appendHistory(key string, snap *Snapshot) {
	if p.history == nil {
		return
	}
	samples := make([]store.QuotaSample, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		samples = append(samples, store.QuotaSample{
			AccountID:         key,
			Model:             e.Resource,
			RemainingFraction: e.RemainingFraction,
			Tier:              snap.Tier,
			Timestamp:         snap.Timestamp,
		})
	}
	if err := p.history.AppendSamples(samples); err != nil {
		p.log.Warn("recording quota history failed", zap.Error(err))
	}
}
