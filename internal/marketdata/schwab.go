package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/models"
)

// DefaultSchwabURL is the Schwab price history endpoint
const DefaultSchwabURL = "https://api.schwabapi.com/marketdata/v1/pricehistory"

// Schwab fetches 1-minute candles from the Schwab market data API and
// aggregates them to the strategy timeframe.
type Schwab struct {
	baseURL string
	token   func() string
	client  *http.Client
}

// NewSchwab creates a price history client. token is called on every request
// so a refreshed access token is picked up without a restart.
func NewSchwab(baseURL string, token func() string, timeout time.Duration) *Schwab {
	if baseURL == "" {
		baseURL = DefaultSchwabURL
	}
	return &Schwab{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type candle struct {
	Datetime int64           `json:"datetime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
}

type priceHistory struct {
	Symbol  string    `json:"symbol"`
	Candles []*candle `json:"candles"`
	Empty   bool      `json:"empty"`
}

// Fetch implements Source
func (s *Schwab) Fetch(ctx context.Context, req Request) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("periodType", "day")
	params.Set("period", strconv.Itoa(req.LookbackDays))
	params.Set("frequencyType", "minute")
	params.Set("frequency", "1")
	params.Set("needExtendedHoursData", strconv.FormatBool(req.ExtendedHours))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price history request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.token())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: price history for %s: %v", ErrTransient, req.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: price history for %s: status %d", ErrTransient, req.Symbol, resp.StatusCode)
		}
		return nil, fmt.Errorf("price history for %s: status %d: %s", req.Symbol, resp.StatusCode, body)
	}

	var ph priceHistory
	if err := json.NewDecoder(resp.Body).Decode(&ph); err != nil {
		return nil, fmt.Errorf("failed to decode price history for %s: %w", req.Symbol, err)
	}

	bars := make([]models.Bar, 0, len(ph.Candles))
	for _, c := range ph.Candles {
		if c == nil {
			continue
		}
		bars = append(bars, models.Bar{
			Time:   time.UnixMilli(c.Datetime).UTC(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}

	logrus.WithFields(logrus.Fields{
		"symbol":  req.Symbol,
		"candles": len(bars),
	}).Debug("Fetched price history")

	out := Aggregate(bars, req.TimeFrame, req.Location)
	return closedBefore(out, req.TimeFrame, req.End, req.Location), nil
}
