package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/models"
)

// DefaultSchwabURL is the Schwab trader API root
const DefaultSchwabURL = "https://api.schwabapi.com/trader/v1"

// Schwab talks to the Schwab trader REST API for one account
type Schwab struct {
	baseURL string
	account string
	token   func() string
	client  *http.Client
	now     func() time.Time
}

// NewSchwab creates a trader client. account is the account hash value.
func NewSchwab(baseURL, account string, token func() string, timeout time.Duration) *Schwab {
	if baseURL == "" {
		baseURL = DefaultSchwabURL
	}
	return &Schwab{
		baseURL: strings.TrimRight(baseURL, "/"),
		account: account,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type instrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

type orderLeg struct {
	Instruction string          `json:"instruction"`
	Quantity    decimal.Decimal `json:"quantity"`
	Instrument  instrument      `json:"instrument"`
}

type orderRequest struct {
	Session            string      `json:"session"`
	Duration           string      `json:"duration"`
	OrderType          string      `json:"orderType"`
	OrderStrategyType  string      `json:"orderStrategyType"`
	Price              string      `json:"price,omitempty"`
	CancelTime         string      `json:"cancelTime,omitempty"`
	OrderLegCollection []*orderLeg `json:"orderLegCollection"`
}

type executionLeg struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type orderActivity struct {
	ExecutionLegs []*executionLeg `json:"executionLegs"`
}

type orderResponse struct {
	OrderID                 json.Number      `json:"orderId"`
	Status                  string           `json:"status"`
	Quantity                decimal.Decimal  `json:"quantity"`
	FilledQuantity          decimal.Decimal  `json:"filledQuantity"`
	RemainingQuantity       decimal.Decimal  `json:"remainingQuantity"`
	OrderActivityCollection []*orderActivity `json:"orderActivityCollection"`
}

func (s *Schwab) buildOrder(order Order) *orderRequest {
	session := "NORMAL"
	if order.ExtendedHours {
		session = "SEAMLESS"
	}
	req := &orderRequest{
		Session:           session,
		Duration:          "DAY",
		OrderType:         order.Type,
		OrderStrategyType: "SINGLE",
		OrderLegCollection: []*orderLeg{{
			Instruction: order.Side,
			Quantity:    order.Quantity,
			Instrument:  instrument{Symbol: order.Symbol, AssetType: "EQUITY"},
		}},
	}
	if order.Type == models.OrderTypeLimit {
		req.Price = order.LimitPrice.String()
	}
	if order.Expiry > 0 {
		req.CancelTime = s.now().UTC().Add(order.Expiry).Format("2006-01-02T15:04:05.000Z")
	}
	return req
}

// Submit places an order. A 4xx answer is a rejection; transport failures and
// 5xx/429 answers leave the outcome unknown and are returned as ErrTransient.
func (s *Schwab) Submit(ctx context.Context, order Order) (*SubmitResult, error) {
	body, err := json.Marshal(s.buildOrder(order))
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/orders", s.baseURL, s.account)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token())
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: submit order: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		location := resp.Header.Get("Location")
		orderID := location[strings.LastIndex(location, "/")+1:]
		if orderID == "" {
			return nil, fmt.Errorf("%w: order accepted without a Location header", ErrTransient)
		}
		logrus.WithFields(logrus.Fields{
			"order_id": orderID,
			"symbol":   order.Symbol,
			"side":     order.Side,
		}).Info("Order accepted by broker")
		return &SubmitResult{OrderID: orderID, Status: StatusAccepted}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: submit order: status %d", ErrTransient, resp.StatusCode)
	default:
		return &SubmitResult{
			Status: StatusRejected,
			Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}, nil
	}
}

// PollFills reads the order and maps its status onto an execution state
func (s *Schwab) PollFills(ctx context.Context, orderID string) (*FillReport, error) {
	url := fmt.Sprintf("%s/accounts/%s/orders/%s", s.baseURL, s.account, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build order status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token())
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll order %s: %v", ErrTransient, orderID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: poll order %s: status %d", ErrTransient, orderID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("poll order %s: status %d: %s", orderID, resp.StatusCode, body)
	}

	var o orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", orderID, err)
	}
	return reportFromOrder(&o), nil
}

// Cancel asks the broker to withdraw a working order
func (s *Schwab) Cancel(ctx context.Context, orderID string) error {
	url := fmt.Sprintf("%s/accounts/%s/orders/%s", s.baseURL, s.account, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cancel order %s: %v", ErrTransient, orderID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		logrus.WithField("order_id", orderID).Info("Order cancel requested")
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: cancel order %s: status %d", ErrTransient, orderID, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func reportFromOrder(o *orderResponse) *FillReport {
	var qty, notional decimal.Decimal
	for _, act := range o.OrderActivityCollection {
		if act == nil {
			continue
		}
		for _, leg := range act.ExecutionLegs {
			if leg == nil {
				continue
			}
			qty = qty.Add(leg.Quantity)
			notional = notional.Add(leg.Quantity.Mul(leg.Price))
		}
	}

	filled := o.FilledQuantity
	if filled.IsZero() {
		filled = qty
	}
	report := &FillReport{FilledQuantity: filled}
	if qty.IsPositive() {
		report.AvgPrice = notional.Div(qty).Round(6)
	}

	switch strings.ToUpper(o.Status) {
	case "FILLED":
		report.State = StateFilled
	case "CANCELED", "EXPIRED", "REJECTED", "REPLACED":
		report.State = StateCanceled
	default:
		if filled.IsPositive() {
			report.State = StatePartiallyFilled
		} else {
			report.State = StatePending
		}
	}
	return report
}
