package session

import (
	"context"
	"errors"
	"logbook/internal/config"
	"sort"
	"sync"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownLogbook = errors.New("unknown logbook")

// Manager holds the open logbooks in their configured order.
type Manager struct {
	mu    sync.RWMutex
	books []*Logbook
	log   *log.Logger
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New("session")
	}
	return &Manager{log: logger}
}

// LoadAll opens every configured logbook concurrently and starts its feeds.
// A logbook that fails to load is logged and left out; feed failures are
// logged and the logbook stays open without them.
func (m *Manager) LoadAll(ctx context.Context, books []config.LogbookConfig, opts Options) error {
	opened := make([]*Logbook, len(books))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, book := range books {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lb, err := Open(book.Name, book.Filename, opts)
			if err != nil {
				m.log.Errorf("logbook %q: %v", book.Name, err)
				return nil
			}
			if err := lb.Start(opts.Feeds); err != nil {
				m.log.Warnf("logbook %q: %v", book.Name, err)
			}
			opened[i] = lb
			return nil
		})
	}
	err := g.Wait()

	for _, lb := range opened {
		if lb == nil {
			continue
		}
		if err != nil {
			lb.Close()
			continue
		}
		m.Add(lb)
	}
	return err
}

// Add registers an open logbook, replacing one with the same name.
func (m *Manager) Add(lb *Logbook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.books {
		if b.Name == lb.Name {
			b.Close()
			m.books[i] = lb
			return
		}
	}
	m.books = append(m.books, lb)
}

func (m *Manager) Get(name string) (*Logbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.books {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, ErrUnknownLogbook
}

// List returns the open logbooks in configured order.
func (m *Manager) List() []*Logbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Logbook, len(m.books))
	copy(out, m.books)
	return out
}

// Modified returns the names of logbooks with unsaved changes, sorted.
func (m *Manager) Modified() []string {
	var names []string
	for _, b := range m.List() {
		if b.Modified() {
			names = append(names, b.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Close closes every logbook.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, b := range m.books {
		errs = append(errs, b.Close())
	}
	m.books = nil
	return errors.Join(errs...)
}
