package lnmarkets

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"lnmarkets-alert-bot/internal/types"
)

const (
	headerKey        = "LNM-ACCESS-KEY"
	headerPassphrase = "LNM-ACCESS-PASSPHRASE"
	headerTimestamp  = "LNM-ACCESS-TIMESTAMP"
	headerSignature  = "LNM-ACCESS-SIGNATURE"
)

// Client talks to the LN Markets REST API. Public endpoints work without
// credentials; authenticated endpoints require them.
type Client struct {
	http  *resty.Client
	creds *types.Credentials
}

// NewClient creates a public (unauthenticated) client.
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
	}
}

// NewAuthenticatedClient creates a client signing requests with the
// given credential triple.
func NewAuthenticatedClient(baseURL string, creds types.Credentials) *Client {
	c := NewClient(baseURL)
	c.creds = &creds
	return c
}

// get issues a GET and decodes the response into out. path must include
// any query string, since the signature covers it.
func (c *Client) get(ctx context.Context, path string, authenticated bool, out interface{}) error {
	req := c.http.R().SetContext(ctx).SetResult(out)

	if authenticated {
		if c.creds == nil {
			return errors.New("authentication required")
		}
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.SetHeader(headerKey, c.creds.Key)
		req.SetHeader(headerPassphrase, c.creds.Passphrase)
		req.SetHeader(headerTimestamp, timestamp)
		req.SetHeader(headerSignature, Sign(c.creds.Secret, timestamp+"GET"+path))
	}

	resp, err := req.Get(path)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	if resp.IsError() {
		return errors.Errorf("LN Markets API error: %d - %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Sign computes the base64 HMAC-SHA256 request signature.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// GetTicker fetches the public futures ticker.
func (c *Client) GetTicker(ctx context.Context) (types.Ticker, error) {
	var data struct {
		LastPrice float64 `json:"lastPrice"`
		Bid       float64 `json:"bid"`
		Offer     float64 `json:"offer"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
	}
	if err := c.get(ctx, "/v2/futures/ticker", false, &data); err != nil {
		return types.Ticker{}, err
	}

	return types.Ticker{
		LastPrice: data.LastPrice,
		Bid:       data.Bid,
		Ask:       data.Offer,
		High24h:   data.High,
		Low24h:    data.Low,
	}, nil
}

// GetFunding fetches the public funding rate and next funding time.
func (c *Client) GetFunding(ctx context.Context) (types.FundingInfo, error) {
	var data struct {
		Rate            float64 `json:"rate"`
		NextFundingTime int64   `json:"nextFundingTime"`
	}
	if err := c.get(ctx, "/v2/futures/market", false, &data); err != nil {
		return types.FundingInfo{}, err
	}

	return types.FundingInfo{
		Rate:            data.Rate,
		NextFundingTime: time.UnixMilli(data.NextFundingTime),
	}, nil
}

// GetBalance fetches the authenticated account balance.
func (c *Client) GetBalance(ctx context.Context) (types.Balance, error) {
	var data types.Balance
	if err := c.get(ctx, "/v2/user", true, &data); err != nil {
		return types.Balance{}, err
	}
	return data, nil
}

// GetOpenPositions fetches running isolated positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	var data []struct {
		ID          string  `json:"id"`
		Side        string  `json:"side"` // "b" for long, "s" for short
		Quantity    float64 `json:"quantity"`
		Margin      float64 `json:"margin"`
		Leverage    float64 `json:"leverage"`
		Price       float64 `json:"price"`
		Liquidation float64 `json:"liquidation"`
		PL          float64 `json:"pl"`
	}
	if err := c.get(ctx, "/v2/futures?type=running", true, &data); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(data))
	for _, p := range data {
		side := "short"
		if p.Side == "b" {
			side = "long"
		}
		pos := types.Position{
			ID:               p.ID,
			Side:             side,
			Quantity:         p.Quantity,
			Margin:           p.Margin,
			Leverage:         p.Leverage,
			EntryPrice:       p.Price,
			LiquidationPrice: p.Liquidation,
			PL:               p.PL,
		}
		if p.Margin != 0 {
			pos.PLPercent = p.PL / p.Margin * 100
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetCrossPosition fetches the cross-margin position. Returns nil when
// the account has no cross exposure.
func (c *Client) GetCrossPosition(ctx context.Context) (*types.CrossPosition, error) {
	var data *struct {
		Margin           float64  `json:"margin"`
		UnrealizedPL     float64  `json:"unrealized_pl"`
		LiquidationPrice *float64 `json:"liquidation_price"`
	}
	if err := c.get(ctx, "/v2/futures/cross/position", true, &data); err != nil {
		return nil, err
	}
	if data == nil || data.Margin == 0 {
		return nil, nil
	}

	pos := &types.CrossPosition{
		Margin:       data.Margin,
		UnrealizedPL: data.UnrealizedPL,
	}
	if data.LiquidationPrice != nil {
		pos.LiquidationPrice = *data.LiquidationPrice
	}
	return pos, nil
}

// String identifies the client in logs without leaking credentials.
func (c *Client) String() string {
	if c.creds != nil {
		return fmt.Sprintf("lnmarkets.Client(authenticated, key=%s...)", truncate(c.creds.Key, 4))
	}
	return "lnmarkets.Client(public)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
