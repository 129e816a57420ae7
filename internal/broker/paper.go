package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/autotrade/internal/models"
)

// PriceFunc returns the current price used to fill market orders
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// Paper is a simulated gateway. Orders fill in full on the first poll, LIMIT
// orders at their limit price and MARKET orders at the PriceFunc price.
// Resubmitting the same client order id returns the original order.
type Paper struct {
	mu       sync.Mutex
	price    PriceFunc
	seq      int
	orders   map[string]*paperOrder
	byClient map[string]string
}

type paperOrder struct {
	order  Order
	report FillReport
}

// NewPaper creates a simulated gateway
func NewPaper(price PriceFunc) *Paper {
	return &Paper{
		price:    price,
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
	}
}

// Submit implements Gateway
func (p *Paper) Submit(_ context.Context, order Order) (*SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[order.ClientOrderID]; ok && order.ClientOrderID != "" {
		return &SubmitResult{OrderID: id, Status: StatusAccepted}, nil
	}
	if !order.Quantity.IsPositive() {
		return &SubmitResult{Status: StatusRejected, Reason: "quantity must be positive"}, nil
	}
	if order.Type == models.OrderTypeLimit && !order.LimitPrice.IsPositive() {
		return &SubmitResult{Status: StatusRejected, Reason: "limit price must be positive"}, nil
	}

	p.seq++
	id := "PAPER-" + strconv.Itoa(p.seq)
	p.orders[id] = &paperOrder{order: order, report: FillReport{State: StatePending}}
	if order.ClientOrderID != "" {
		p.byClient[order.ClientOrderID] = id
	}
	return &SubmitResult{OrderID: id, Status: StatusAccepted}, nil
}

// PollFills implements Gateway
func (p *Paper) PollFills(ctx context.Context, orderID string) (*FillReport, error) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	}
	if o.report.State != StatePending {
		r := o.report
		p.mu.Unlock()
		return &r, nil
	}
	order := o.order
	p.mu.Unlock()

	price := order.LimitPrice
	if order.Type == models.OrderTypeMarket {
		if p.price == nil {
			return &FillReport{State: StatePending}, nil
		}
		var err error
		price, err = p.price(ctx, order.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: paper price for %s: %v", ErrTransient, order.Symbol, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if o.report.State == StatePending {
		o.report = FillReport{FilledQuantity: order.Quantity, AvgPrice: price, State: StateFilled}
	}
	r := o.report
	return &r, nil
}

// Cancel implements Canceler. Orders that already filled are left alone.
func (p *Paper) Cancel(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	}
	if o.report.State == StatePending {
		o.report = FillReport{State: StateCanceled}
	}
	return nil
}
