// Package telemetry collects live values from laboratory instruments: pushed
// over a publish/subscribe bus (MQTT or Kafka) or polled from devices that
// speak a line-oriented request/response protocol.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/gommon/log"
)

// ErrObserved is returned when a source is observed a second time. Sample
// streams cannot be restarted; create a new source instead.
var ErrObserved = errors.New("telemetry source already observed")

// Sample is one named value.
type Sample struct {
	Key   string
	Value float64
}

// Source produces samples in the background.
type Source interface {
	// Observe starts delivery. The channel is closed when the source
	// disconnects or ctx is done.
	Observe(ctx context.Context) (<-chan Sample, error)
	// Connected reports whether the source is currently connected.
	Connected() bool
}

const sampleBuffer = 256

// parsePayload decodes a UTF-8 decimal number. Payloads that are not numbers
// are dropped by every source, so no garbage is ever cached.
func parsePayload(payload []byte) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// feed is the delivery state shared by the subscription sources.
type feed struct {
	mu        sync.Mutex
	observed  bool
	connected bool
	out       chan Sample
	ctx       context.Context
	dropped   int
	log       *log.Logger

	// sendMu guards out against being closed while a send is in flight.
	sendMu sync.RWMutex
	closed bool
}

func (f *feed) start(ctx context.Context) (chan Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observed {
		return nil, ErrObserved
	}
	f.observed = true
	f.ctx = ctx
	f.out = make(chan Sample, sampleBuffer)
	return f.out, nil
}

func (f *feed) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver parses and forwards one message.
func (f *feed) deliver(topic string, payload []byte) {
	v, ok := parsePayload(payload)
	if !ok {
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		f.log.Debugf("dropping non-numeric payload on %s", topic)
		return
	}
	f.sendMu.RLock()
	defer f.sendMu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.out <- Sample{Key: topic, Value: v}:
	case <-f.ctx.Done():
	}
}

// Dropped returns the number of payloads discarded as non-numeric.
func (f *feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *feed) close() {
	f.setConnected(false)
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if !f.closed && f.out != nil {
		f.closed = true
		close(f.out)
	}
}

func loggerOr(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New("telemetry")
	}
	return l
}
