// Package strategy holds the contract between the engine and signal
// functions, a registry resolving strategy names to functions, and the
// built-in strategies.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/trogers1052/autotrade/internal/models"
)

var (
	// ErrContract is returned when a strategy function fails or returns malformed rows
	ErrContract = errors.New("strategy contract violation")
	// ErrUnknownStrategy is returned when no function is registered for a name
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Func maps a bar series to signal rows. It must not keep state between calls.
type Func func(bars []models.Bar) ([]models.SignalRow, error)

// Registry maps strategy names to their functions
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function registered under name
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return fn, nil
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run invokes fn and checks its output. Panics and errors inside fn are
// returned as ErrContract so a failing strategy only loses its own cycle.
func Run(fn Func, bars []models.Bar) (rows []models.SignalRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			rows = nil
			err = fmt.Errorf("%w: panic: %v", ErrContract, r)
		}
	}()

	rows, err = fn(bars)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContract, err)
	}
	if err := validateRows(rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func validateRows(rows []models.SignalRow) error {
	for i, row := range rows {
		switch row.Signal {
		case "":
			continue
		case models.SideBuy, models.SideSell:
		default:
			return fmt.Errorf("%w: row %d has signal %q", ErrContract, i, row.Signal)
		}
		if !row.Quantity.IsPositive() {
			return fmt.Errorf("%w: row %d has quantity %s", ErrContract, i, row.Quantity)
		}
		if row.ReferencePrice.IsNegative() {
			return fmt.Errorf("%w: row %d has negative reference price", ErrContract, i)
		}
		if row.Time.IsZero() {
			return fmt.Errorf("%w: row %d has no timestamp", ErrContract, i)
		}
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Time.Before(rows[i-1].Time) {
			return fmt.Errorf("%w: rows are not in timestamp order at %d", ErrContract, i)
		}
	}
	return nil
}

// Signals returns the rows that carry a signal, in timestamp order
func Signals(rows []models.SignalRow) []models.SignalRow {
	var out []models.SignalRow
	for _, row := range rows {
		if row.HasSignal() {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
