// Package autofill fills the open logbook record with live telemetry.
package autofill

import (
	"context"
	"errors"
	"fmt"
	"logbook/internal/engine"
	"logbook/internal/telemetry"
	"strconv"
	"strings"

	"github.com/labstack/gommon/log"
)

// ErrNoOpenRecord is returned when the logbook holds no record to fill.
var ErrNoOpenRecord = errors.New("no record to autofill")

// UnavailableError lists the columns whose telemetry could not be obtained.
// The remaining columns have still been filled.
type UnavailableError struct {
	Columns []string
}

func (e *UnavailableError) Error() string {
	names := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		names[i] = strconv.Quote(c)
	}
	return "telemetry unavailable for " + strings.Join(names, ", ")
}

// Report describes the outcome of one autofill pass, by column name.
type Report struct {
	Filled []string
	// Skipped columns already held a value.
	Skipped     []string
	Unavailable []string
}

// Engine resolves column bindings against cached subscription telemetry and
// polled devices.
type Engine struct {
	cache   *telemetry.Cache
	devices *DevicePool
	policy  Policy
	log     *log.Logger
}

func New(cache *telemetry.Cache, devices *DevicePool, policy Policy, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New("autofill")
	}
	return &Engine{cache: cache, devices: devices, policy: policy, log: logger}
}

func (e *Engine) Cache() *telemetry.Cache { return e.cache }

// ResetCache drops all cached telemetry. Call it whenever a new record is
// started.
func (e *Engine) ResetCache() {
	e.cache.Reset()
}

// Attach observes src and records its samples in the cache until the source
// closes.
func (e *Engine) Attach(ctx context.Context, src telemetry.Source) error {
	samples, err := src.Observe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for s := range samples {
			e.cache.Put(s.Key, s.Value)
		}
	}()
	return nil
}

// Autofill writes telemetry into the empty bound cells of row 0, the newest
// record. Cells that already hold a value are never overwritten. Device
// queries block for at most the device timeout each.
func (e *Engine) Autofill(ctx context.Context, store *engine.Store, bindings []engine.Binding) (Report, error) {
	var rep Report
	if store.RowCount() == 0 {
		return rep, ErrNoOpenRecord
	}

	for _, b := range bindings {
		if !store.IsEmpty(0, b.Column) {
			rep.Skipped = append(rep.Skipped, b.ColumnName)
			continue
		}

		v, ok := e.fetch(ctx, b)
		if !ok {
			rep.Unavailable = append(rep.Unavailable, b.ColumnName)
			continue
		}
		if err := store.SetValue(0, b.Column, engine.NumberValue(v)); err != nil {
			return rep, fmt.Errorf("autofill %q: %w", b.ColumnName, err)
		}
		// NaN or a column kind that takes no number leaves the cell absent
		if store.IsEmpty(0, b.Column) {
			e.log.Warnf("autofill %q: value %v not accepted by the column", b.ColumnName, v)
			rep.Unavailable = append(rep.Unavailable, b.ColumnName)
			continue
		}
		rep.Filled = append(rep.Filled, b.ColumnName)
	}

	e.log.Debugf("autofill: %d filled, %d skipped, %d unavailable",
		len(rep.Filled), len(rep.Skipped), len(rep.Unavailable))
	if len(rep.Unavailable) > 0 {
		return rep, &UnavailableError{Columns: rep.Unavailable}
	}
	return rep, nil
}

func (e *Engine) fetch(ctx context.Context, b engine.Binding) (float64, bool) {
	switch b.Source {
	case engine.SourceSubscription:
		return e.fromCache(b)
	case engine.SourceDevice:
		return e.fromDevice(ctx, b)
	}
	return 0, false
}

func (e *Engine) fromCache(b engine.Binding) (float64, bool) {
	if b.Aggregate == engine.AggregateMean {
		mean, ok := e.cache.Mean(b.Topic)
		if !ok {
			return 0, false
		}
		return Round(mean*e.policy.WindowScale, e.policy.WindowDigits), true
	}
	return e.cache.Latest(b.Topic)
}

func (e *Engine) fromDevice(ctx context.Context, b engine.Binding) (float64, bool) {
	// A poller attached for this device may already hold the value
	v, ok := e.cache.Latest(telemetry.DeviceKey(b.Endpoint(), b.Query))
	if !ok {
		if e.devices == nil {
			return 0, false
		}
		dev, err := e.devices.Get(ctx, b.Endpoint())
		if err != nil {
			e.log.Warnf("autofill %q: %v", b.ColumnName, err)
			return 0, false
		}
		raw := dev.GetParam(ctx, b.Query)
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false
		}
		v = f
	}
	if digits, ok := e.policy.deviceDigits(b.Query); ok {
		v = Round(v, digits)
	}
	return v, true
}
