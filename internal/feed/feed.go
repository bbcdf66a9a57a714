package feed

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"lnmarkets-alert-bot/internal/types"
)

const historyWindow = 24 * time.Hour

// MarketClient fetches public market data.
type MarketClient interface {
	GetTicker(ctx context.Context) (types.Ticker, error)
	GetFunding(ctx context.Context) (types.FundingInfo, error)
}

// HistoryStore is the optional long-term price history fallback.
type HistoryStore interface {
	AddPriceSample(price float64, at time.Time) error
	PriceAt(cutoff time.Time) (float64, bool, error)
	PruneHistory(cutoff time.Time) error
}

// Feed polls the market on a fixed interval, keeps the latest snapshot
// and a bounded rolling history, and invokes its subscribers
// synchronously after each successful poll.
type Feed struct {
	client   MarketClient
	store    HistoryStore // may be nil
	interval time.Duration

	mu          sync.RWMutex
	ticker      *types.Ticker
	funding     *types.FundingInfo
	history     []types.PriceSample
	lastPersist time.Time

	onTicker  func(types.Ticker)
	onFunding func(types.FundingInfo)

	startMu sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}

	// Polls counts attempts, PollErrors failed ones. Optional.
	Polls      prometheus.Counter
	PollErrors prometheus.Counter

	now func() time.Time
}

// NewFeed creates a feed polling client every interval. store may be nil
// to disable the persisted history fallback.
func NewFeed(client MarketClient, store HistoryStore, interval time.Duration) *Feed {
	return &Feed{
		client:   client,
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// OnTicker registers the subscriber invoked after each successful ticker
// poll. Must be called before Start.
func (f *Feed) OnTicker(fn func(types.Ticker)) {
	f.onTicker = fn
}

// OnFunding registers the subscriber invoked after each successful
// funding poll. Must be called before Start.
func (f *Feed) OnFunding(fn func(types.FundingInfo)) {
	f.onFunding = fn
}

// Start begins polling. Idempotent.
func (f *Feed) Start() {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.stopCh != nil {
		return
	}
	f.stopCh = make(chan struct{})
	f.done = make(chan struct{})
	go f.run(f.stopCh, f.done)
	log.Println("🚀 Market feed started.")
}

// Stop halts polling and waits for the in-flight poll to finish.
// Idempotent.
func (f *Feed) Stop() {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.stopCh == nil {
		return
	}
	close(f.stopCh)
	<-f.done
	f.stopCh = nil
	log.Println("🛑 Market feed stopped.")
}

func (f *Feed) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	f.Poll()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			f.Poll()
		}
	}
}

// Poll runs one fetch cycle. A failed fetch leaves cached state intact;
// the feed keeps polling on schedule.
func (f *Feed) Poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if f.Polls != nil {
		f.Polls.Inc()
	}

	tick, err := f.client.GetTicker(ctx)
	if err != nil {
		if f.PollErrors != nil {
			f.PollErrors.Inc()
		}
		log.Errorf("❌ Failed to fetch ticker: %v", err)
	} else {
		f.recordTicker(tick)
		if f.onTicker != nil {
			f.onTicker(tick)
		}
	}

	funding, err := f.client.GetFunding(ctx)
	if err != nil {
		if f.PollErrors != nil {
			f.PollErrors.Inc()
		}
		log.Errorf("❌ Failed to fetch funding: %v", err)
	} else {
		f.recordFunding(funding)
		if f.onFunding != nil {
			f.onFunding(funding)
		}
	}
}

func (f *Feed) recordTicker(tick types.Ticker) {
	now := f.now()
	cutoff := now.Add(-historyWindow)

	f.mu.Lock()
	f.ticker = &tick
	f.history = append(f.history, types.PriceSample{Price: tick.LastPrice, Timestamp: now})

	firstKept := 0
	for firstKept < len(f.history) && !f.history[firstKept].Timestamp.After(cutoff) {
		firstKept++
	}
	f.history = f.history[firstKept:]

	persist := f.store != nil && now.Sub(f.lastPersist) >= time.Minute
	if persist {
		f.lastPersist = now
	}
	f.mu.Unlock()

	if persist {
		if err := f.store.AddPriceSample(tick.LastPrice, now); err != nil {
			log.Errorf("❌ Failed to persist price sample: %v", err)
		}
		if err := f.store.PruneHistory(cutoff); err != nil {
			log.Errorf("❌ Failed to prune price history: %v", err)
		}
	}
}

func (f *Feed) recordFunding(funding types.FundingInfo) {
	f.mu.Lock()
	f.funding = &funding
	f.mu.Unlock()
}

// CurrentTicker returns the latest snapshot, or false before the first
// successful poll.
func (f *Feed) CurrentTicker() (types.Ticker, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.ticker == nil {
		return types.Ticker{}, false
	}
	return *f.ticker, true
}

// CurrentPrice returns the latest known price.
func (f *Feed) CurrentPrice() (float64, bool) {
	tick, ok := f.CurrentTicker()
	return tick.LastPrice, ok
}

// CurrentFunding returns the latest funding snapshot.
func (f *Feed) CurrentFunding() (types.FundingInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.funding == nil {
		return types.FundingInfo{}, false
	}
	return *f.funding, true
}

// PercentChange computes the price change over the last minutesAgo
// minutes. Returns false when either endpoint is unknown.
func (f *Feed) PercentChange(minutesAgo int) (float64, bool) {
	current, ok := f.CurrentPrice()
	if !ok || current == 0 {
		return 0, false
	}

	cutoff := f.now().Add(-time.Duration(minutesAgo) * time.Minute)
	old, ok := f.priceAt(cutoff)
	if !ok || old == 0 {
		return 0, false
	}

	return (current - old) / old * 100, true
}

// priceAt resolves the most recent retained sample at or before cutoff,
// falling back to the persisted store.
func (f *Feed) priceAt(cutoff time.Time) (float64, bool) {
	f.mu.RLock()
	var (
		found float64
		ok    bool
	)
	for i := len(f.history) - 1; i >= 0; i-- {
		if !f.history[i].Timestamp.After(cutoff) {
			found, ok = f.history[i].Price, true
			break
		}
	}
	f.mu.RUnlock()

	if ok {
		return found, true
	}

	if f.store != nil {
		price, ok, err := f.store.PriceAt(cutoff)
		if err != nil {
			log.Errorf("❌ Failed to query persisted price history: %v", err)
			return 0, false
		}
		return price, ok
	}
	return 0, false
}

// History returns a copy of the retained in-memory samples.
func (f *Feed) History() []types.PriceSample {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.PriceSample, len(f.history))
	copy(out, f.history)
	return out
}
