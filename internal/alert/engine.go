package alert

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"lnmarkets-alert-bot/internal/types"
)

// Store is the durable alert collection the engine evaluates against.
// The engine is the only writer of alert state.
type Store interface {
	ActiveAlertsByKind(kinds ...types.AlertKind) ([]types.Alert, error)
	ActiveAlertsForChat(chatID int64, kinds ...types.AlertKind) ([]types.Alert, error)
	UsersWithCredentials() ([]types.User, error)
	MarkAlertTriggered(alertID int64, at time.Time, deactivate bool) error
}

// Notifier delivers a rendered message to a user.
type Notifier interface {
	Send(chatID int64, text string) error
}

// MarketState is the feed's read surface.
type MarketState interface {
	CurrentPrice() (float64, bool)
	CurrentFunding() (types.FundingInfo, bool)
	PercentChange(minutesAgo int) (float64, bool)
}

// PositionClient fetches authenticated position data for one user.
type PositionClient interface {
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
	GetCrossPosition(ctx context.Context) (*types.CrossPosition, error)
}

// PositionClientFactory builds a client for one credential set.
type PositionClientFactory func(creds types.Credentials) PositionClient

// Engine matches live market state against stored alerts, applies the
// cooldown policy, hands triggered alerts to the notifier and updates
// alert state. Price/funding alerts are evaluated synchronously on feed
// emissions; margin/liquidation alerts on an independent timer.
type Engine struct {
	store     Store
	notifier  Notifier
	market    MarketState
	positions PositionClientFactory

	cooldown      time.Duration
	checkInterval time.Duration
	maxFetches    int

	// evalMu serializes trigger evaluation and state updates across the
	// market path and the position path.
	evalMu sync.Mutex

	startMu sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}

	// Optional counters, registered by the caller.
	Triggered        *prometheus.CounterVec // label: kind
	DeliveryFailures prometheus.Counter

	now func() time.Time
}

// Config carries the engine's tunables.
type Config struct {
	Cooldown           time.Duration // minimum gap between triggers of one alert
	PositionInterval   time.Duration // margin/liquidation timer period
	MaxConcurrentUsers int           // position fetch fan-out bound
}

// NewEngine wires an engine. positions may be nil when no authenticated
// checks should ever run.
func NewEngine(store Store, notifier Notifier, market MarketState, positions PositionClientFactory, cfg Config) *Engine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentUsers <= 0 {
		cfg.MaxConcurrentUsers = 4
	}
	return &Engine{
		store:         store,
		notifier:      notifier,
		market:        market,
		positions:     positions,
		cooldown:      cfg.Cooldown,
		checkInterval: cfg.PositionInterval,
		maxFetches:    cfg.MaxConcurrentUsers,
		now:           time.Now,
	}
}

// Start launches the margin/liquidation timer. The market path needs no
// goroutine of its own: HandleTicker/HandleFunding run on the feed's
// emissions. Idempotent.
func (e *Engine) Start() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stopCh, e.done)
	log.Println("🚀 Alert engine started.")
}

// Stop stops scheduling further checks and waits for the in-flight cycle
// to finish. Idempotent.
func (e *Engine) Stop() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.done
	e.stopCh = nil
	log.Println("🛑 Alert engine stopped.")
}

func (e *Engine) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			e.CheckPositionAlerts()
		}
	}
}

// HandleTicker evaluates price and percent-change alerts against a fresh
// ticker snapshot.
func (e *Engine) HandleTicker(tick types.Ticker) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	alerts, err := e.store.ActiveAlertsByKind(types.MarketKinds...)
	if err != nil {
		log.Errorf("❌ Failed to fetch market alerts: %v", err)
		return
	}

	for _, a := range alerts {
		if !e.eligible(a) {
			continue
		}

		triggered, message := e.evaluateMarket(a, tick.LastPrice)
		if triggered {
			e.trigger(a, message)
		}
	}
}

// HandleFunding evaluates funding alerts against a fresh funding
// snapshot.
func (e *Engine) HandleFunding(funding types.FundingInfo) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	alerts, err := e.store.ActiveAlertsByKind(types.FundingKinds...)
	if err != nil {
		log.Errorf("❌ Failed to fetch funding alerts: %v", err)
		return
	}

	for _, a := range alerts {
		if !e.eligible(a) {
			continue
		}

		var triggered bool
		switch a.Kind {
		case types.KindFundingAbove:
			triggered = funding.Rate >= a.TargetValue
		case types.KindFundingBelow:
			triggered = funding.Rate <= a.TargetValue
		default:
			log.Warnf("⚠️ Skipping alert %d with unexpected kind %s on funding path", a.ID, a.Kind)
			continue
		}

		if triggered {
			e.trigger(a, fundingMessage(a.Kind, a.TargetValue, funding.Rate))
		}
	}
}

func (e *Engine) evaluateMarket(a types.Alert, price float64) (bool, string) {
	switch a.Kind {
	case types.KindPriceAbove:
		if price >= a.TargetValue {
			return true, priceAboveMessage(a.TargetValue, price)
		}
	case types.KindPriceBelow:
		if price <= a.TargetValue {
			return true, priceBelowMessage(a.TargetValue, price)
		}
	case types.KindPercentChange:
		minutes := a.WindowMinutes()
		change, ok := e.market.PercentChange(minutes)
		if !ok {
			return false, ""
		}
		if (a.TargetValue < 0 && change <= a.TargetValue) || (a.TargetValue > 0 && change >= a.TargetValue) {
			return true, percentChangeMessage(change, minutes, price)
		}
	default:
		log.Warnf("⚠️ Skipping alert %d with unexpected kind %s on market path", a.ID, a.Kind)
	}
	return false, ""
}

// positionCheck is one user's fetched position data joined with their
// private alerts.
type positionCheck struct {
	user      types.User
	alerts    []types.Alert
	positions []types.Position
	cross     *types.CrossPosition
}

// CheckPositionAlerts runs one margin/liquidation cycle: at most one
// position fetch per user with credentials, fetches fanned out with a
// bounded number of workers, then sequential trigger evaluation. One
// user's failed fetch never blocks the others.
func (e *Engine) CheckPositionAlerts() {
	if e.positions == nil {
		return
	}

	users, err := e.store.UsersWithCredentials()
	if err != nil {
		log.Errorf("❌ Failed to fetch users for position check: %v", err)
		return
	}

	var (
		wg     sync.WaitGroup
		sem    = make(chan struct{}, e.maxFetches)
		mu     sync.Mutex
		checks []positionCheck
	)

	for _, user := range users {
		if user.Credentials == nil {
			continue
		}
		alerts, err := e.store.ActiveAlertsForChat(user.ChatID, types.PositionKinds...)
		if err != nil {
			log.Errorf("❌ Failed to fetch position alerts for user %d: %v", user.ChatID, err)
			continue
		}
		if len(alerts) == 0 {
			continue
		}

		wg.Add(1)
		go func(user types.User, alerts []types.Alert) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			check, err := e.fetchPositions(user, alerts)
			if err != nil {
				log.Errorf("❌ Skipping user %d this cycle: %v", user.ChatID, err)
				return
			}
			mu.Lock()
			checks = append(checks, check)
			mu.Unlock()
		}(user, alerts)
	}
	wg.Wait()

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	price, priceKnown := e.market.CurrentPrice()
	for _, check := range checks {
		e.evaluatePositions(check, price, priceKnown)
	}
}

// fetchPositions loads isolated and cross positions for one user in
// parallel, the way the account status view does.
func (e *Engine) fetchPositions(user types.User, alerts []types.Alert) (positionCheck, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := e.positions(*user.Credentials)
	check := positionCheck{user: user, alerts: alerts}

	var (
		wg       sync.WaitGroup
		posErr   error
		crossErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		check.positions, posErr = client.GetOpenPositions(ctx)
	}()
	go func() {
		defer wg.Done()
		check.cross, crossErr = client.GetCrossPosition(ctx)
	}()
	wg.Wait()

	if posErr != nil {
		return positionCheck{}, posErr
	}
	if crossErr != nil {
		return positionCheck{}, crossErr
	}
	return check, nil
}

func (e *Engine) evaluatePositions(check positionCheck, price float64, priceKnown bool) {
	for _, a := range check.alerts {
		if !e.eligible(a) {
			continue
		}
		log.Debugf("Evaluating position alert: %s", spew.Sdump(a))

		var messages []string
		switch a.Kind {
		case types.KindMarginBelow:
			for _, pos := range check.positions {
				if m := pos.MarginPercent(); m <= a.TargetValue {
					messages = append(messages, marginMessage(positionLabel(pos), m, a.TargetValue))
				}
			}
			if check.cross != nil && check.cross.Margin > 0 {
				if m := check.cross.MarginPercent(); m <= a.TargetValue {
					messages = append(messages, marginMessage(crossLabel, m, a.TargetValue))
				}
			}
		case types.KindLiquidationDistance:
			if !priceKnown || price == 0 {
				continue
			}
			for _, pos := range check.positions {
				if d := liquidationDistance(price, pos.LiquidationPrice); d <= a.TargetValue {
					messages = append(messages, liquidationMessage(positionLabel(pos), d, pos.LiquidationPrice, price))
				}
			}
			if check.cross != nil && check.cross.LiquidationPrice > 0 {
				if d := liquidationDistance(price, check.cross.LiquidationPrice); d <= a.TargetValue {
					messages = append(messages, liquidationMessage(crossLabel, d, check.cross.LiquidationPrice, price))
				}
			}
		default:
			log.Warnf("⚠️ Skipping alert %d with unexpected kind %s on position path", a.ID, a.Kind)
			continue
		}

		// One alert may fire once per qualifying position within a
		// cycle; state is advanced once after any successful delivery.
		delivered := false
		for _, message := range messages {
			if e.deliver(a, message) {
				delivered = true
			}
		}
		if delivered {
			e.markTriggered(a)
		}
	}
}

func liquidationDistance(price, liquidationPrice float64) float64 {
	return math.Abs(price-liquidationPrice) / price * 100
}

// eligible applies the cooldown gate.
func (e *Engine) eligible(a types.Alert) bool {
	if a.LastTriggeredAt == nil {
		return true
	}
	return e.now().Sub(*a.LastTriggeredAt) >= e.cooldown
}

// trigger delivers one message and advances alert state only when
// delivery succeeded, so a failed send retries on the next cycle.
func (e *Engine) trigger(a types.Alert, message string) {
	if e.deliver(a, message) {
		e.markTriggered(a)
	}
}

func (e *Engine) deliver(a types.Alert, message string) bool {
	if err := e.notifier.Send(a.ChatID, message); err != nil {
		log.Errorf("❌ Failed to deliver alert %d to chat %d: %v", a.ID, a.ChatID, err)
		if e.DeliveryFailures != nil {
			e.DeliveryFailures.Inc()
		}
		return false
	}
	log.Printf("✅ Alert %d delivered to chat %d", a.ID, a.ChatID)
	if e.Triggered != nil {
		e.Triggered.WithLabelValues(string(a.Kind)).Inc()
	}
	return true
}

func (e *Engine) markTriggered(a types.Alert) {
	deactivate := !a.Repeating
	if err := e.store.MarkAlertTriggered(a.ID, e.now(), deactivate); err != nil {
		log.Errorf("❌ Failed to update alert %d after trigger: %v", a.ID, err)
	}
}
