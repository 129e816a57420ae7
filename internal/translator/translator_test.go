package translator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/autotrade/internal/broker"
	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/ledger/memory"
	"github.com/trogers1052/autotrade/internal/models"
	"github.com/trogers1052/autotrade/internal/reconcile"
)

// fakeGateway accepts every order and fills it in full at fillPrice
type fakeGateway struct {
	mu        sync.Mutex
	orders    []broker.Order
	fillPrice decimal.Decimal
	state     string
	rejectAll string
	submitErr error
	canceled  map[string]bool
}

// Cancel withdraws an order; it then reports canceled with nothing filled
func (g *fakeGateway) Cancel(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled == nil {
		g.canceled = make(map[string]bool)
	}
	g.canceled[orderID] = true
	return nil
}

func (g *fakeGateway) Submit(_ context.Context, o broker.Order) (*broker.SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, o)
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	if g.rejectAll != "" {
		return &broker.SubmitResult{Status: broker.StatusRejected, Reason: g.rejectAll}, nil
	}
	return &broker.SubmitResult{OrderID: fmt.Sprintf("ORD-%d", len(g.orders)), Status: broker.StatusAccepted}, nil
}

func (g *fakeGateway) PollFills(_ context.Context, orderID string) (*broker.FillReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int
	if _, err := fmt.Sscanf(orderID, "ORD-%d", &n); err != nil || n < 1 || n > len(g.orders) {
		return nil, broker.ErrUnknownOrder
	}
	if g.canceled[orderID] {
		return &broker.FillReport{State: broker.StateCanceled}, nil
	}
	if g.state == broker.StatePending {
		return &broker.FillReport{State: broker.StatePending}, nil
	}
	o := g.orders[n-1]
	price := g.fillPrice
	if price.IsZero() {
		price = o.LimitPrice
	}
	return &broker.FillReport{State: broker.StateFilled, FilledQuantity: o.Quantity, AvgPrice: price}, nil
}

func (g *fakeGateway) submitted() []broker.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]broker.Order(nil), g.orders...)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []models.LedgerEvent
}

func (n *captureNotifier) Notify(_ context.Context, e models.LedgerEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

type env struct {
	store    *memory.Store
	gw       *fakeGateway
	notifier *captureNotifier
	tr       *Translator
	rc       *models.RunContext
}

func newEnv(t *testing.T, orderType string) *env {
	t.Helper()
	e := &env{
		store:    memory.New(),
		gw:       &fakeGateway{},
		notifier: &captureNotifier{},
	}
	s := &models.Strategy{
		Name: "smaCross", TimeFrame: 5, Symbol: "SPY",
		OrderType: orderType, LookbackDays: 3, Active: true,
	}
	require.NoError(t, e.store.CreateStrategy(context.Background(), s))
	e.rc = &models.RunContext{Strategy: *s, CycleID: "cycle-1", TickTime: time.Now()}
	e.tr = e.translator()
	return e
}

func (e *env) translator() *Translator {
	rec := reconcile.New(reconcile.Options{
		Ledger:   e.store,
		Gateway:  e.gw,
		Notifier: e.notifier,
		Config:   reconcile.Config{Poll: broker.PollPolicy{MaxRetries: 1, Initial: time.Millisecond}},
	})
	return New(Options{
		Ledger:     e.store,
		Gateway:    e.gw,
		Reconciler: rec,
		Notifier:   e.notifier,
	})
}

var t0 = time.Date(2026, 3, 2, 14, 35, 0, 0, time.UTC)

func signal(side string, minute int, qty, price float64) models.SignalRow {
	return models.SignalRow{
		Time:           t0.Add(time.Duration(minute) * time.Minute),
		Signal:         side,
		Quantity:       decimal.NewFromFloat(qty),
		ReferencePrice: decimal.NewFromFloat(price),
	}
}

func TestTranslate_LimitBuyFillsAtBrokerPrice(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	e.gw.fillPrice = decimal.RequireFromString("449.95")
	ctx := context.Background()

	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450))
	require.Equal(t, Submitted, out.Kind, out.Reason)
	assert.Equal(t, "ORD-1", out.OrderID)

	orders := e.gw.submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderTypeLimit, orders[0].Type)
	assert.Equal(t, "450", orders[0].LimitPrice.String())
	assert.Equal(t, "10", orders[0].Quantity.String())
	assert.Equal(t, 5*time.Minute, orders[0].Expiry)
	assert.Equal(t, out.Intent.IdempotencyKey, orders[0].ClientOrderID)

	pos, err := e.store.GetOpenPosition(ctx, e.rc.Strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", pos.Quantity.String())
	assert.Equal(t, "449.95", pos.EntryPrice.String())

	trades, err := e.store.ListTradesByStrategy(ctx, e.rc.Strategy.ID, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, "10", trades[0].Quantity.String())
	assert.Equal(t, "449.95", trades[0].Price.String())
}

func TestTranslate_BuyWhileOpenIsSkipped(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	ctx := context.Background()

	require.Equal(t, Submitted, e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450)).Kind)
	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 5, 10, 451))

	assert.Equal(t, Skipped, out.Kind)
	assert.Equal(t, ReasonPositionOpen, out.Reason)
	assert.Len(t, e.gw.submitted(), 1)
}

func TestTranslate_BuyWhileOrderInFlightIsSkipped(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	e.gw.state = broker.StatePending
	ctx := context.Background()

	require.Equal(t, Submitted, e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450)).Kind)
	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 5, 10, 451))

	assert.Equal(t, Skipped, out.Kind)
	assert.Equal(t, ReasonOrderInFlight, out.Reason)
	assert.Equal(t, "ORD-1", out.OrderID)
	assert.Len(t, e.gw.submitted(), 1)
}

func TestTranslate_SellWithoutPositionIsSkipped(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)

	out := e.tr.Translate(context.Background(), e.rc, signal(models.SideSell, 0, 10, 450))

	assert.Equal(t, Skipped, out.Kind)
	assert.Equal(t, ReasonNoPosition, out.Reason)
	assert.Empty(t, out.Canceled)
	assert.Empty(t, e.gw.submitted())
}

func TestTranslate_SellCancelsWorkingBuy(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	e.gw.state = broker.StatePending
	ctx := context.Background()

	buy := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450))
	require.Equal(t, Submitted, buy.Kind, buy.Reason)

	out := e.tr.Translate(ctx, e.rc, signal(models.SideSell, 5, 10, 455))
	assert.Equal(t, Skipped, out.Kind)
	assert.Equal(t, ReasonNoPosition, out.Reason)
	assert.Equal(t, []string{buy.OrderID}, out.Canceled)

	orders := e.gw.submitted()
	require.Len(t, orders, 1, "exit signal must not submit a sell")

	got, err := e.store.GetOrderIntentByKey(ctx, buy.Intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.IntentCanceled, got.Status)

	inflight, err := e.store.ListInFlightIntents(ctx, e.rc.Strategy.ID)
	require.NoError(t, err)
	assert.Empty(t, inflight)
	_, err = e.store.GetOpenPosition(ctx, e.rc.Strategy.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTranslate_SellCappedAtPosition(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	ctx := context.Background()

	require.Equal(t, Submitted, e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450)).Kind)
	out := e.tr.Translate(ctx, e.rc, signal(models.SideSell, 5, 15, 455))
	require.Equal(t, Submitted, out.Kind, out.Reason)

	orders := e.gw.submitted()
	require.Len(t, orders, 2)
	assert.Equal(t, models.SideSell, orders[1].Side)
	assert.Equal(t, "10", orders[1].Quantity.String())

	_, err := e.store.GetOpenPosition(ctx, e.rc.Strategy.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	trades, err := e.store.ListTradesByStrategy(ctx, e.rc.Strategy.ID, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestTranslate_ReplayAfterRestartNeverResubmits(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	e.gw.state = broker.StatePending
	ctx := context.Background()
	row := signal(models.SideBuy, 0, 10, 450)

	first := e.tr.Translate(ctx, e.rc, row)
	require.Equal(t, Submitted, first.Kind)

	// A fresh translator over the same ledger stands in for a restarted process.
	restarted := e.translator()
	second := restarted.Translate(ctx, e.rc, row)

	assert.Equal(t, Skipped, second.Kind)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, e.gw.submitted(), 1)
}

func TestTranslate_InvalidSignalNeverReachesBroker(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	ctx := context.Background()

	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 0, 450))
	assert.Equal(t, Rejected, out.Kind)
	assert.ErrorIs(t, out.Err, ledger.ErrInvalidInput)

	out = e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 1, 10, 0))
	assert.Equal(t, Rejected, out.Kind)
	assert.ErrorIs(t, out.Err, ledger.ErrInvalidInput)

	assert.Empty(t, e.gw.submitted())
	intents, err := e.store.ListIntents(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestTranslate_BrokerRejection(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	e.gw.rejectAll = "insufficient buying power"
	ctx := context.Background()

	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450))
	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, ReasonBrokerRejected, out.Reason)

	got, err := e.store.GetOrderIntentByKey(ctx, out.Intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.IntentRejected, got.Status)
	assert.Equal(t, "insufficient buying power", got.LastError)

	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, models.EventOrderRejected, e.notifier.events[0].EventType)

	// A rejected intent is terminal and does not block the next signal.
	e.gw.rejectAll = ""
	out = e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 5, 10, 450))
	assert.Equal(t, Submitted, out.Kind)
}

func TestTranslate_SubmitFailureLeavesIntentSubmitted(t *testing.T) {
	e := newEnv(t, models.OrderTypeLimit)
	e.gw.submitErr = fmt.Errorf("%w: connection reset", broker.ErrTransient)
	ctx := context.Background()

	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 10, 450))
	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, ReasonSubmitFailed, out.Reason)
	assert.True(t, errors.Is(out.Err, broker.ErrTransient))

	got, err := e.store.GetOrderIntentByKey(ctx, out.Intent.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.IntentSubmitted, got.Status)
	assert.Contains(t, got.LastError, "connection reset")

	// The unknown submission blocks further BUYs until the sweep resolves it.
	e.gw.submitErr = nil
	out = e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 5, 10, 450))
	assert.Equal(t, Skipped, out.Kind)
	assert.Equal(t, ReasonOrderInFlight, out.Reason)
	assert.Len(t, e.gw.submitted(), 1)
}

func TestTranslate_MarketOrderCarriesZeroPrice(t *testing.T) {
	e := newEnv(t, models.OrderTypeMarket)
	e.gw.fillPrice = decimal.RequireFromString("101.37")
	ctx := context.Background()

	out := e.tr.Translate(ctx, e.rc, signal(models.SideBuy, 0, 3, 101.2))
	require.Equal(t, Submitted, out.Kind, out.Reason)

	orders := e.gw.submitted()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].LimitPrice.IsZero())
	assert.Equal(t, models.OrderTypeMarket, orders[0].Type)

	pos, err := e.store.GetOpenPosition(ctx, e.rc.Strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, "101.37", pos.EntryPrice.String())
}

func TestIdempotencyKey(t *testing.T) {
	k1 := IdempotencyKey(1, t0, models.SideBuy)
	assert.Equal(t, k1, IdempotencyKey(1, t0.In(time.FixedZone("EST", -5*3600)), models.SideBuy))
	assert.NotEqual(t, k1, IdempotencyKey(1, t0, models.SideSell))
	assert.NotEqual(t, k1, IdempotencyKey(2, t0, models.SideBuy))
	assert.NotEqual(t, k1, IdempotencyKey(1, t0.Add(time.Minute), models.SideBuy))
	assert.Len(t, k1, 36)
}

func TestRoundPrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"449.956", "449.96"},
		{"450", "450"},
		{"1.005", "1.01"},
		{"0.123456", "0.1235"},
		{"0.99999", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundPrice(decimal.RequireFromString(tt.in)).String())
		})
	}
}
