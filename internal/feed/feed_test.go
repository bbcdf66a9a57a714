package feed

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lnmarkets-alert-bot/internal/types"
)

type fakeMarketClient struct {
	ticker     types.Ticker
	funding    types.FundingInfo
	tickerErr  error
	fundingErr error
}

func (c *fakeMarketClient) GetTicker(ctx context.Context) (types.Ticker, error) {
	return c.ticker, c.tickerErr
}

func (c *fakeMarketClient) GetFunding(ctx context.Context) (types.FundingInfo, error) {
	return c.funding, c.fundingErr
}

type fakeHistoryStore struct {
	samples []types.PriceSample
	pruned  time.Time
}

func (s *fakeHistoryStore) AddPriceSample(price float64, at time.Time) error {
	s.samples = append(s.samples, types.PriceSample{Price: price, Timestamp: at})
	return nil
}

func (s *fakeHistoryStore) PriceAt(cutoff time.Time) (float64, bool, error) {
	var best *types.PriceSample
	for i := range s.samples {
		if !s.samples[i].Timestamp.After(cutoff) {
			best = &s.samples[i]
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.Price, true, nil
}

func (s *fakeHistoryStore) PruneHistory(cutoff time.Time) error {
	s.pruned = cutoff
	return nil
}

func TestFeedSnapshot(t *testing.T) {
	t.Run("unavailable before first poll", func(t *testing.T) {
		f := NewFeed(&fakeMarketClient{}, nil, time.Second)

		_, ok := f.CurrentPrice()
		assert.False(t, ok)
		_, ok = f.CurrentFunding()
		assert.False(t, ok)
		_, ok = f.PercentChange(60)
		assert.False(t, ok)
	})

	t.Run("poll updates snapshot and emits", func(t *testing.T) {
		client := &fakeMarketClient{
			ticker:  types.Ticker{LastPrice: 97500, Bid: 97490, Ask: 97510},
			funding: types.FundingInfo{Rate: 0.0001},
		}
		f := NewFeed(client, nil, time.Second)

		var gotTicker *types.Ticker
		var gotFunding *types.FundingInfo
		f.OnTicker(func(tk types.Ticker) { gotTicker = &tk })
		f.OnFunding(func(fi types.FundingInfo) { gotFunding = &fi })

		f.Poll()

		price, ok := f.CurrentPrice()
		require.True(t, ok)
		assert.Equal(t, 97500.0, price)

		funding, ok := f.CurrentFunding()
		require.True(t, ok)
		assert.Equal(t, 0.0001, funding.Rate)

		require.NotNil(t, gotTicker)
		assert.Equal(t, 97500.0, gotTicker.LastPrice)
		require.NotNil(t, gotFunding)
		assert.Equal(t, 0.0001, gotFunding.Rate)
	})

	t.Run("failed poll preserves cached state", func(t *testing.T) {
		client := &fakeMarketClient{ticker: types.Ticker{LastPrice: 97500}}
		f := NewFeed(client, nil, time.Second)
		f.Poll()

		client.tickerErr = errors.New("boom")
		client.fundingErr = errors.New("boom")
		f.Poll()

		price, ok := f.CurrentPrice()
		require.True(t, ok)
		assert.Equal(t, 97500.0, price)
	})
}

func TestPercentChange(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newFeedAt := func(store HistoryStore) (*Feed, *fakeMarketClient, *time.Time) {
		client := &fakeMarketClient{}
		f := NewFeed(client, store, time.Second)
		now := base
		f.now = func() time.Time { return now }
		return f, client, &now
	}

	t.Run("computes change against the sample at the window edge", func(t *testing.T) {
		f, client, now := newFeedAt(nil)

		client.ticker = types.Ticker{LastPrice: 100000}
		f.Poll()

		*now = base.Add(60 * time.Minute)
		client.ticker = types.Ticker{LastPrice: 94000}
		f.Poll()

		change, ok := f.PercentChange(60)
		require.True(t, ok)
		assert.InDelta(t, -6.0, change, 1e-9)
	})

	t.Run("unavailable when no sample is old enough", func(t *testing.T) {
		f, client, now := newFeedAt(nil)

		client.ticker = types.Ticker{LastPrice: 100000}
		f.Poll()

		*now = base.Add(10 * time.Minute)
		client.ticker = types.Ticker{LastPrice: 94000}
		f.Poll()

		_, ok := f.PercentChange(60)
		assert.False(t, ok)
	})

	t.Run("falls back to the persisted store", func(t *testing.T) {
		store := &fakeHistoryStore{samples: []types.PriceSample{
			{Price: 100000, Timestamp: base.Add(-2 * time.Hour)},
		}}
		f, client, now := newFeedAt(store)

		*now = base
		client.ticker = types.Ticker{LastPrice: 105000}
		f.Poll()

		change, ok := f.PercentChange(90)
		require.True(t, ok)
		assert.InDelta(t, 5.0, change, 1e-9)
	})
}

func TestHistoryRetention(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeMarketClient{}
	f := NewFeed(client, nil, time.Second)
	now := base
	f.now = func() time.Time { return now }

	client.ticker = types.Ticker{LastPrice: 90000}
	f.Poll()

	// 25h later the first sample must be evicted.
	now = base.Add(25 * time.Hour)
	client.ticker = types.Ticker{LastPrice: 91000}
	f.Poll()

	history := f.History()
	require.Len(t, history, 1)
	assert.Equal(t, 91000.0, history[0].Price)
}

func TestStartStopIdempotent(t *testing.T) {
	client := &fakeMarketClient{ticker: types.Ticker{LastPrice: 90000}}
	f := NewFeed(client, nil, 50*time.Millisecond)

	f.Start()
	f.Start()
	f.Stop()
	f.Stop()

	_, ok := f.CurrentPrice()
	assert.True(t, ok)
}

func TestMinuteGrainPersistence(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeHistoryStore{}
	client := &fakeMarketClient{ticker: types.Ticker{LastPrice: 90000}}
	f := NewFeed(client, store, time.Second)
	now := base
	f.now = func() time.Time { return now }

	f.Poll()
	now = base.Add(5 * time.Second)
	f.Poll()
	require.Len(t, store.samples, 1)

	now = base.Add(61 * time.Second)
	f.Poll()
	assert.Len(t, store.samples, 2)
}
