package alert

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lnmarkets-alert-bot/internal/types"
)

type fakeStore struct {
	alerts []types.Alert
	users  []types.User
}

func (s *fakeStore) ActiveAlertsByKind(kinds ...types.AlertKind) ([]types.Alert, error) {
	var out []types.Alert
	for _, a := range s.alerts {
		if a.Active && kindIn(a.Kind, kinds) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) ActiveAlertsForChat(chatID int64, kinds ...types.AlertKind) ([]types.Alert, error) {
	var out []types.Alert
	for _, a := range s.alerts {
		if a.Active && a.ChatID == chatID && (len(kinds) == 0 || kindIn(a.Kind, kinds)) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) UsersWithCredentials() ([]types.User, error) {
	return s.users, nil
}

func (s *fakeStore) MarkAlertTriggered(alertID int64, at time.Time, deactivate bool) error {
	for i := range s.alerts {
		if s.alerts[i].ID == alertID {
			t := at
			s.alerts[i].LastTriggeredAt = &t
			if deactivate {
				s.alerts[i].Active = false
			}
		}
	}
	return nil
}

func (s *fakeStore) find(id int64) types.Alert {
	for _, a := range s.alerts {
		if a.ID == id {
			return a
		}
	}
	return types.Alert{}
}

func kindIn(kind types.AlertKind, kinds []types.AlertKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Send(chatID int64, text string) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

type fakeMarket struct {
	price    float64
	priceOK  bool
	funding  types.FundingInfo
	change   float64
	changeOK bool
}

func (m *fakeMarket) CurrentPrice() (float64, bool) { return m.price, m.priceOK }

func (m *fakeMarket) CurrentFunding() (types.FundingInfo, bool) { return m.funding, true }

func (m *fakeMarket) PercentChange(minutesAgo int) (float64, bool) { return m.change, m.changeOK }

type fakePositionClient struct {
	positions []types.Position
	cross     *types.CrossPosition
	err       error
	calls     *int32
}

func (c *fakePositionClient) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	if c.calls != nil {
		atomic.AddInt32(c.calls, 1)
	}
	return c.positions, c.err
}

func (c *fakePositionClient) GetCrossPosition(ctx context.Context) (*types.CrossPosition, error) {
	return c.cross, c.err
}

func newTestEngine(store *fakeStore, notifier *fakeNotifier, market *fakeMarket, factory PositionClientFactory) *Engine {
	return NewEngine(store, notifier, market, factory, Config{
		Cooldown:         5 * time.Minute,
		PositionInterval: time.Hour,
	})
}

func TestPriceAlerts(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("one-shot deactivates after a single trigger", func(t *testing.T) {
		store := &fakeStore{alerts: []types.Alert{
			{ID: 1, ChatID: 7, Kind: types.KindPriceAbove, TargetValue: 100000, Active: true},
		}}
		notifier := &fakeNotifier{}
		e := newTestEngine(store, notifier, &fakeMarket{}, nil)
		e.now = func() time.Time { return base }

		e.HandleTicker(types.Ticker{LastPrice: 100500})
		require.Len(t, notifier.sent, 1)
		assert.Contains(t, notifier.sent[0].text, "Price Alert")
		assert.False(t, store.find(1).Active)

		// Condition still true, alert no longer active.
		e.HandleTicker(types.Ticker{LastPrice: 101000})
		assert.Len(t, notifier.sent, 1)
	})

	t.Run("no trigger below threshold", func(t *testing.T) {
		store := &fakeStore{alerts: []types.Alert{
			{ID: 1, ChatID: 7, Kind: types.KindPriceAbove, TargetValue: 100000, Active: true},
		}}
		notifier := &fakeNotifier{}
		e := newTestEngine(store, notifier, &fakeMarket{}, nil)

		e.HandleTicker(types.Ticker{LastPrice: 99999})
		assert.Empty(t, notifier.sent)
		assert.True(t, store.find(1).Active)
	})

	t.Run("repeating respects cooldown then fires again", func(t *testing.T) {
		store := &fakeStore{alerts: []types.Alert{
			{ID: 2, ChatID: 7, Kind: types.KindPriceBelow, TargetValue: 90000, Repeating: true, Active: true},
		}}
		notifier := &fakeNotifier{}
		e := newTestEngine(store, notifier, &fakeMarket{}, nil)
		now := base
		e.now = func() time.Time { return now }

		e.HandleTicker(types.Ticker{LastPrice: 89000})
		require.Len(t, notifier.sent, 1)
		assert.True(t, store.find(2).Active)

		// Inside the cooldown window: idempotent no-op.
		now = base.Add(time.Minute)
		e.HandleTicker(types.Ticker{LastPrice: 88000})
		assert.Len(t, notifier.sent, 1)

		// Cooldown elapsed and the condition still holds.
		now = base.Add(5 * time.Minute)
		e.HandleTicker(types.Ticker{LastPrice: 88000})
		assert.Len(t, notifier.sent, 2)
	})

	t.Run("delivery failure leaves trigger state untouched", func(t *testing.T) {
		store := &fakeStore{alerts: []types.Alert{
			{ID: 3, ChatID: 7, Kind: types.KindPriceAbove, TargetValue: 100000, Active: true},
		}}
		notifier := &fakeNotifier{err: errors.New("telegram down")}
		e := newTestEngine(store, notifier, &fakeMarket{}, nil)
		e.now = func() time.Time { return base }

		e.HandleTicker(types.Ticker{LastPrice: 100500})
		assert.Nil(t, store.find(3).LastTriggeredAt)
		assert.True(t, store.find(3).Active)

		// Next cycle the send works and the alert finally advances.
		notifier.err = nil
		e.HandleTicker(types.Ticker{LastPrice: 100500})
		require.Len(t, notifier.sent, 1)
		assert.NotNil(t, store.find(3).LastTriggeredAt)
		assert.False(t, store.find(3).Active)
	})
}

func TestPercentChangeAlerts(t *testing.T) {
	newAlert := func(id int64, target float64) types.Alert {
		return types.Alert{ID: id, ChatID: 7, Kind: types.KindPercentChange, TargetValue: target, TimeWindowMin: 60, Active: true}
	}

	t.Run("negative targets watch drops", func(t *testing.T) {
		// 100000 -> 94000 over the window: -6%.
		store := &fakeStore{alerts: []types.Alert{newAlert(1, -5), newAlert(2, -3), newAlert(3, -10)}}
		notifier := &fakeNotifier{}
		e := newTestEngine(store, notifier, &fakeMarket{change: -6, changeOK: true}, nil)

		e.HandleTicker(types.Ticker{LastPrice: 94000})

		require.Len(t, notifier.sent, 2)
		assert.False(t, store.find(1).Active)
		assert.False(t, store.find(2).Active)
		assert.True(t, store.find(3).Active)
	})

	t.Run("positive target watches rises", func(t *testing.T) {
		store := &fakeStore{alerts: []types.Alert{newAlert(1, 5)}}
		notifier := &fakeNotifier{}
		e := newTestEngine(store, notifier, &fakeMarket{change: 6.5, changeOK: true}, nil)

		e.HandleTicker(types.Ticker{LastPrice: 106500})
		require.Len(t, notifier.sent, 1)
		assert.Contains(t, notifier.sent[0].text, "+6.50%")
	})

	t.Run("unavailable change never triggers", func(t *testing.T) {
		store := &fakeStore{alerts: []types.Alert{newAlert(1, -5)}}
		notifier := &fakeNotifier{}
		e := newTestEngine(store, notifier, &fakeMarket{changeOK: false}, nil)

		e.HandleTicker(types.Ticker{LastPrice: 94000})
		assert.Empty(t, notifier.sent)
	})
}

func TestFundingAlerts(t *testing.T) {
	store := &fakeStore{alerts: []types.Alert{
		{ID: 1, ChatID: 7, Kind: types.KindFundingAbove, TargetValue: 0.0005, Active: true},
		{ID: 2, ChatID: 8, Kind: types.KindFundingBelow, TargetValue: -0.0001, Active: true},
	}}
	notifier := &fakeNotifier{}
	e := newTestEngine(store, notifier, &fakeMarket{}, nil)

	e.HandleFunding(types.FundingInfo{Rate: 0.0006})
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, int64(7), notifier.sent[0].chatID)

	e.HandleFunding(types.FundingInfo{Rate: -0.0002})
	require.Len(t, notifier.sent, 2)
	assert.Equal(t, int64(8), notifier.sent[1].chatID)
}

func TestUnknownKindSkipped(t *testing.T) {
	store := &fakeStore{alerts: []types.Alert{
		{ID: 1, ChatID: 7, Kind: types.KindMarginBelow, TargetValue: 50, Active: true},
	}}
	notifier := &fakeNotifier{}
	e := newTestEngine(store, notifier, &fakeMarket{}, nil)

	// A position-only kind surfacing on the market path must not panic
	// or trigger.
	e.HandleTicker(types.Ticker{LastPrice: 100000})
	assert.Empty(t, notifier.sent)
}

func TestPositionAlerts(t *testing.T) {
	creds := func(key string) *types.Credentials {
		return &types.Credentials{Key: key, Secret: "s", Passphrase: "p"}
	}

	t.Run("margin below triggers per qualifying position", func(t *testing.T) {
		store := &fakeStore{
			users: []types.User{{ChatID: 7, Credentials: creds("a")}},
			alerts: []types.Alert{
				{ID: 1, ChatID: 7, Kind: types.KindMarginBelow, TargetValue: 50, Active: true},
			},
		}
		notifier := &fakeNotifier{}
		client := &fakePositionClient{
			positions: []types.Position{
				{ID: "p1", Side: "long", Leverage: 10, Margin: 1000, PL: -600},  // 40%
				{ID: "p2", Side: "short", Leverage: 5, Margin: 1000, PL: 100},   // 110%
				{ID: "p3", Side: "long", Leverage: 2, Margin: 2000, PL: -1500},  // 25%
			},
			cross: &types.CrossPosition{Margin: 500, UnrealizedPL: -400}, // 20%
		}
		e := newTestEngine(store, notifier, &fakeMarket{price: 100000, priceOK: true},
			func(types.Credentials) PositionClient { return client })

		e.CheckPositionAlerts()

		// Two isolated positions plus the cross position qualify; the
		// alert advances state once.
		require.Len(t, notifier.sent, 3)
		assert.False(t, store.find(1).Active)
		assert.NotNil(t, store.find(1).LastTriggeredAt)
	})

	t.Run("liquidation distance triggers inside threshold", func(t *testing.T) {
		store := &fakeStore{
			users: []types.User{{ChatID: 7, Credentials: creds("a")}},
			alerts: []types.Alert{
				{ID: 1, ChatID: 7, Kind: types.KindLiquidationDistance, TargetValue: 10, Active: true, Repeating: true},
			},
		}
		notifier := &fakeNotifier{}
		client := &fakePositionClient{
			positions: []types.Position{
				{ID: "p1", Side: "long", Leverage: 10, LiquidationPrice: 95000}, // 5% away
				{ID: "p2", Side: "long", Leverage: 2, LiquidationPrice: 60000},  // 40% away
			},
		}
		e := newTestEngine(store, notifier, &fakeMarket{price: 100000, priceOK: true},
			func(types.Credentials) PositionClient { return client })

		e.CheckPositionAlerts()

		require.Len(t, notifier.sent, 1)
		assert.Contains(t, notifier.sent[0].text, "Liquidation Warning")
		assert.True(t, store.find(1).Active)
	})

	t.Run("one user's failed fetch does not block others", func(t *testing.T) {
		store := &fakeStore{
			users: []types.User{
				{ChatID: 7, Credentials: creds("broken")},
				{ChatID: 8, Credentials: creds("ok")},
			},
			alerts: []types.Alert{
				{ID: 1, ChatID: 7, Kind: types.KindMarginBelow, TargetValue: 50, Active: true},
				{ID: 2, ChatID: 8, Kind: types.KindMarginBelow, TargetValue: 50, Active: true},
			},
		}
		notifier := &fakeNotifier{}
		clients := map[string]*fakePositionClient{
			"broken": {err: errors.New("401 unauthorized")},
			"ok": {positions: []types.Position{
				{ID: "p1", Side: "long", Leverage: 10, Margin: 1000, PL: -700},
			}},
		}
		e := newTestEngine(store, notifier, &fakeMarket{price: 100000, priceOK: true},
			func(c types.Credentials) PositionClient { return clients[c.Key] })

		e.CheckPositionAlerts()

		require.Len(t, notifier.sent, 1)
		assert.Equal(t, int64(8), notifier.sent[0].chatID)
		assert.True(t, store.find(1).Active, "failed user's alert must stay untouched")
	})

	t.Run("one position fetch per user regardless of alert count", func(t *testing.T) {
		var calls int32
		store := &fakeStore{
			users: []types.User{{ChatID: 7, Credentials: creds("a")}},
			alerts: []types.Alert{
				{ID: 1, ChatID: 7, Kind: types.KindMarginBelow, TargetValue: 50, Active: true},
				{ID: 2, ChatID: 7, Kind: types.KindMarginBelow, TargetValue: 30, Active: true},
				{ID: 3, ChatID: 7, Kind: types.KindLiquidationDistance, TargetValue: 10, Active: true},
			},
		}
		client := &fakePositionClient{calls: &calls}
		e := newTestEngine(store, &fakeNotifier{}, &fakeMarket{price: 100000, priceOK: true},
			func(types.Credentials) PositionClient { return client })

		e.CheckPositionAlerts()
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("liquidation alerts skipped while price unknown", func(t *testing.T) {
		store := &fakeStore{
			users: []types.User{{ChatID: 7, Credentials: creds("a")}},
			alerts: []types.Alert{
				{ID: 1, ChatID: 7, Kind: types.KindLiquidationDistance, TargetValue: 10, Active: true},
			},
		}
		notifier := &fakeNotifier{}
		client := &fakePositionClient{
			positions: []types.Position{{ID: "p1", Side: "long", LiquidationPrice: 95000}},
		}
		e := newTestEngine(store, notifier, &fakeMarket{priceOK: false},
			func(types.Credentials) PositionClient { return client })

		e.CheckPositionAlerts()
		assert.Empty(t, notifier.sent)
		assert.True(t, store.find(1).Active)
	})
}

func TestEngineStartStopIdempotent(t *testing.T) {
	e := newTestEngine(&fakeStore{}, &fakeNotifier{}, &fakeMarket{}, nil)
	e.Start()
	e.Start()
	e.Stop()
	e.Stop()
}
