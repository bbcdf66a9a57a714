package types

import "time"

// AlertKind is the closed set of conditions the engine evaluates.
type AlertKind string

const (
	KindPriceAbove          AlertKind = "price_above"
	KindPriceBelow          AlertKind = "price_below"
	KindFundingAbove        AlertKind = "funding_above"
	KindFundingBelow        AlertKind = "funding_below"
	KindPercentChange       AlertKind = "percent_change"
	KindMarginBelow         AlertKind = "margin_below"
	KindLiquidationDistance AlertKind = "liquidation_distance"
)

// Kinds evaluated against the public ticker.
var MarketKinds = []AlertKind{KindPriceAbove, KindPriceBelow, KindPercentChange}

// Kinds evaluated on a funding update.
var FundingKinds = []AlertKind{KindFundingAbove, KindFundingBelow}

// Kinds that need an authenticated position fetch.
var PositionKinds = []AlertKind{KindMarginBelow, KindLiquidationDistance}

// ParseKind maps a stored kind string back onto the enum.
func ParseKind(s string) (AlertKind, bool) {
	switch AlertKind(s) {
	case KindPriceAbove, KindPriceBelow, KindFundingAbove, KindFundingBelow,
		KindPercentChange, KindMarginBelow, KindLiquidationDistance:
		return AlertKind(s), true
	}
	return "", false
}

// RequiresCredentials reports whether the kind can only be evaluated for
// users with stored API credentials.
func (k AlertKind) RequiresCredentials() bool {
	return k == KindMarginBelow || k == KindLiquidationDistance
}

// Alert is a persisted user-defined condition.
type Alert struct {
	ID              int64      `json:"id"`
	ChatID          int64      `json:"chat_id"`
	Kind            AlertKind  `json:"kind"`
	TargetValue     float64    `json:"target_value"`
	TimeWindowMin   int        `json:"time_window_min"` // percent_change only; 0 means default 60
	Repeating       bool       `json:"repeating"`
	Active          bool       `json:"active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// WindowMinutes resolves the percent-change window, applying the default.
func (a Alert) WindowMinutes() int {
	if a.TimeWindowMin <= 0 {
		return 60
	}
	return a.TimeWindowMin
}

// Credentials is a decrypted LN Markets API credential triple.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// User is a registered chat with optional credentials.
type User struct {
	ChatID      int64
	Username    string
	Credentials *Credentials // nil for public-only users
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ticker is the public market snapshot.
type Ticker struct {
	LastPrice float64 `json:"lastPrice"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	High24h   float64 `json:"high24h"`
	Low24h    float64 `json:"low24h"`
}

// FundingInfo is the periodic funding snapshot.
type FundingInfo struct {
	Rate            float64   `json:"rate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
}

// PriceSample is one retained point of price history.
type PriceSample struct {
	Price     float64
	Timestamp time.Time
}

// Position is an open isolated margin position.
type Position struct {
	ID               string  `json:"id"`
	Side             string  `json:"side"` // "long" or "short"
	Quantity         float64 `json:"quantity"`
	Margin           float64 `json:"margin"` // sats
	Leverage         float64 `json:"leverage"`
	EntryPrice       float64 `json:"entryPrice"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	PL               float64 `json:"pl"` // sats
	PLPercent        float64 `json:"plPercent"`
}

// MarginPercent is the remaining margin of the position, 100 meaning
// untouched and 0 meaning fully consumed by losses.
func (p Position) MarginPercent() float64 {
	if p.Margin == 0 {
		return 0
	}
	return (p.Margin + p.PL) / p.Margin * 100
}

// CrossPosition is the aggregated cross-margin position, if any.
type CrossPosition struct {
	Margin           float64 `json:"margin"`
	UnrealizedPL     float64 `json:"unrealizedPl"`
	LiquidationPrice float64 `json:"liquidationPrice"` // 0 when none
}

func (p CrossPosition) MarginPercent() float64 {
	if p.Margin == 0 {
		return 0
	}
	return (p.Margin + p.UnrealizedPL) / p.Margin * 100
}

// Balance is the authenticated account balance in sats.
type Balance struct {
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
}
