// Package session manages open logbooks: each one owns its record store,
// its telemetry feeds and the autofill engine fed by them.
package session

import (
	"context"
	"errors"
	"fmt"
	"logbook/internal/autofill"
	"logbook/internal/engine"
	"logbook/internal/telemetry"
	"logbook/internal/timesource"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/labstack/gommon/log"
)

var (
	ErrOpenEntry   = errors.New("newest entry is still open")
	ErrEntryClosed = errors.New("newest entry is already complete")
)

// Options configures how logbooks are opened and fed.
type Options struct {
	Load       engine.LoadOptions
	Policy     autofill.Policy
	WindowSize int
	Device     telemetry.DeviceConfig
	Clock      timesource.Clock
	Feeds      FeedOptions
	Logger     *log.Logger
}

// FeedOptions selects the telemetry feeds started for each logbook.
// Feeds without brokers are not started.
type FeedOptions struct {
	MQTT  telemetry.MQTTConfig
	Kafka telemetry.KafkaConfig
	// PollInterval > 0 polls the bound device queries in the background.
	PollInterval time.Duration
}

// Source describes the autofill binding of one column.
type Source struct {
	Column     int
	Name       string
	Descriptor string
	Connected  bool
}

// Logbook is one open logbook file. All methods are safe for concurrent use.
type Logbook struct {
	Name string
	Path string

	mu       sync.Mutex
	store    *engine.Store
	bindings []engine.Binding
	meta     []string
	autofill *autofill.Engine
	devices  *autofill.DevicePool
	clock    timesource.Clock
	feeds    map[string]telemetry.Source
	ctx      context.Context
	cancel   context.CancelFunc
	log      *log.Logger
}

// Open loads the logbook at path. No telemetry is connected until Start.
func Open(name, path string, opts Options) (*Logbook, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New("session")
	}
	data, err := engine.Load(path, opts.Load)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = timesource.Local
	}

	devices := autofill.NewDevicePool(opts.Device, logger)
	cache := telemetry.NewCache(opts.Load.WindowMarker, opts.WindowSize)
	ctx, cancel := context.WithCancel(context.Background())

	lb := &Logbook{
		Name:     name,
		Path:     path,
		store:    data.Store,
		bindings: data.Bindings,
		meta:     data.Meta,
		autofill: autofill.New(cache, devices, opts.Policy, logger),
		devices:  devices,
		clock:    clock,
		feeds:    make(map[string]telemetry.Source),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger,
	}
	lb.store.Subscribe(func(ev engine.Event) {
		if ev.Kind == engine.ModifiedChanged {
			lb.log.Debugf("%s: modified=%v", lb.Name, ev.Modified)
		}
	})
	return lb, nil
}

// Start connects the telemetry feeds this logbook's bindings need. A feed
// that cannot connect is reported and left out; autofill then reports its
// columns as unavailable.
func (l *Logbook) Start(opts FeedOptions) error {
	var errs []error

	if topics := engine.SubscriptionTopics(l.bindings, "mqtt"); len(topics) > 0 && opts.MQTT.Broker != "" {
		cfg := opts.MQTT
		if cfg.ClientID == "" {
			cfg.ClientID = clientID(l.Name)
		}
		if err := l.attach("mqtt", telemetry.NewMQTTFeed(cfg, topics, l.log)); err != nil {
			errs = append(errs, err)
		}
	}
	if topics := engine.SubscriptionTopics(l.bindings, "kafka"); len(topics) > 0 && len(opts.Kafka.Brokers) > 0 {
		if err := l.attach("kafka", telemetry.NewKafkaFeed(opts.Kafka, topics, l.log)); err != nil {
			errs = append(errs, err)
		}
	}
	if opts.PollInterval > 0 {
		for endpoint, queries := range l.deviceQueries() {
			// An unreachable device is reported, the poller keeps retrying
			if _, err := l.devices.Get(l.ctx, endpoint); err != nil {
				errs = append(errs, err)
			}
			if err := l.attach(endpoint, telemetry.NewPoller(l.devices, endpoint, queries, opts.PollInterval, l.log)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (l *Logbook) attach(name string, src telemetry.Source) error {
	if err := l.autofill.Attach(l.ctx, src); err != nil {
		return fmt.Errorf("%s: %s feed: %w", l.Name, name, err)
	}
	l.mu.Lock()
	l.feeds[name] = src
	l.mu.Unlock()
	return nil
}

func (l *Logbook) deviceQueries() map[string][]string {
	queries := make(map[string][]string)
	for _, b := range l.bindings {
		if b.Source == engine.SourceDevice {
			queries[b.Endpoint()] = append(queries[b.Endpoint()], b.Query)
		}
	}
	return queries
}

// NewEntry starts a record: it inserts row 0 stamped with the current time
// and forgets all cached telemetry. It refuses with ErrOpenEntry while the
// newest record has no stop time, unless force is set.
func (l *Logbook) NewEntry(force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if engine.OpenRecord(l.store) && !force {
		return ErrOpenEntry
	}
	if err := l.store.InsertRows(0, 1); err != nil {
		return err
	}
	start := l.store.Schema().StartColumn()
	if err := l.store.SetValue(0, start, engine.TimeValue(timesource.Stamp(l.clock))); err != nil {
		return err
	}
	l.autofill.ResetCache()
	l.log.Infof("%s: new entry", l.Name)
	return nil
}

// Complete stamps the stop time of the newest record, if it has none, and
// autofills its empty bound cells. It refuses with ErrEntryClosed when the
// record was already complete, unless force is set.
func (l *Logbook) Complete(ctx context.Context, force bool) (autofill.Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store.RowCount() == 0 {
		return autofill.Report{}, autofill.ErrNoOpenRecord
	}
	if !engine.OpenRecord(l.store) && !force {
		return autofill.Report{}, ErrEntryClosed
	}
	stop := l.store.Schema().StopColumn()
	if l.store.IsEmpty(0, stop) {
		if err := l.store.SetValue(0, stop, engine.TimeValue(timesource.Stamp(l.clock))); err != nil {
			return autofill.Report{}, err
		}
	}
	return l.autofill.Autofill(ctx, l.store, l.bindings)
}

// InUse reports whether the newest record is still open.
func (l *Logbook) InUse() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return engine.OpenRecord(l.store)
}

// Hours returns the total operating time of closed records.
func (l *Logbook) Hours() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return engine.TotalHours(l.store)
}

func (l *Logbook) Modified() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Modified()
}

func (l *Logbook) RowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.RowCount()
}

// Columns returns the column layout.
func (l *Logbook) Columns() []engine.Column {
	return l.store.Schema().Columns()
}

// Save writes the logbook back to its file, keeping numbered backups.
func (l *Logbook) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := engine.Save(l.Path, l.store, l.meta); err != nil {
		return err
	}
	l.log.Infof("%s: saved %d rows to %s", l.Name, l.store.RowCount(), l.Path)
	return nil
}

func (l *Logbook) SetCell(row, col int, raw string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.SetCell(row, col, raw)
}

func (l *Logbook) DeleteRow(row int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.DeleteRows(row, 1)
}

// Rows renders up to limit rows from offset for display, newest first.
// Absent cells are empty strings.
func (l *Logbook) Rows(offset, limit int) [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.store.RowCount()
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if limit < 0 || end > total {
		end = total
	}
	if offset >= end {
		return [][]string{}
	}

	cols := l.store.Schema().Columns()
	rows := make([][]string, 0, end-offset)
	for row := offset; row < end; row++ {
		cells := make([]string, len(cols))
		for col, c := range cols {
			if v, ok := l.store.GetCell(row, col); ok {
				cells[col] = v.Format(c.Precision)
			}
		}
		rows = append(rows, cells)
	}
	return rows
}

// Plot returns the selected columns and rows for plotting, indexed by stop
// time. The caller must release the record.
func (l *Logbook) Plot(cols, rows []int) (arrow.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Snapshot(cols, rows)
}

// Sources describes the autofill binding of every bound column.
func (l *Logbook) Sources() []Source {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Source, 0, len(l.bindings))
	for _, b := range l.bindings {
		s := Source{Column: b.Column, Name: b.ColumnName, Descriptor: b.String()}
		switch b.Source {
		case engine.SourceDevice:
			s.Connected = l.devices.Connected(b.Endpoint())
		default:
			if feed, ok := l.feeds[b.Scheme]; ok {
				s.Connected = feed.Connected()
			}
		}
		out = append(out, s)
	}
	return out
}

// Close stops the feeds and disconnects the devices. Unsaved changes are
// not written.
func (l *Logbook) Close() error {
	l.cancel()
	return l.devices.Close()
}

// clientID derives an MQTT client id from a logbook name.
func clientID(name string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, name)
	return "logbook-" + id
}
