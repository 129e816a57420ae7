package translator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/trogers1052/autotrade/order-intent"))

// IdempotencyKey derives the intent key for one strategy signal.
// Formula: UUIDv5(strategy_id|signal_time|side)
func IdempotencyKey(strategyID int, signalTime time.Time, side string) string {
	data := fmt.Sprintf("%d|%s|%s", strategyID, signalTime.UTC().Format(time.RFC3339Nano), side)
	return uuid.NewSHA1(keyNamespace, []byte(data)).String()
}

// RoundPrice rounds a limit price to broker precision: cents at or above
// one dollar, four decimals below.
func RoundPrice(price decimal.Decimal) decimal.Decimal {
	if price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return price.Round(2)
	}
	return price.Round(4)
}
