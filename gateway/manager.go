package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-bhs/config"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/tabledownload"
)

// Manager owns the workers of every configured channel.
type Manager struct {
	workers *xsync.MapOf[string, *Worker]
	order   []string
	logger  logger.Logger

	mu      sync.Mutex
	started bool
}

// NewManager creates a worker per channel. Nothing connects until Start.
func NewManager(ctx context.Context, channels []config.ChannelConfig, deps Deps) (*Manager, error) {
	m := &Manager{
		workers: xsync.NewMapOf[string, *Worker](),
		logger:  logger.With("component", "gateway"),
	}

	for _, ch := range channels {
		if _, exists := m.workers.Load(ch.Name); exists {
			_ = m.closeWorkers()
			return nil, fmt.Errorf("duplicate channel %q", ch.Name)
		}

		w, err := NewWorker(ctx, ch, deps)
		if err != nil {
			_ = m.closeWorkers()
			return nil, fmt.Errorf("create channel %s: %w", ch.Name, err)
		}

		m.workers.Store(ch.Name, w)
		m.order = append(m.order, ch.Name)
	}

	return m, nil
}

// Start opens every channel.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	var errs []error
	for _, name := range m.order {
		w, _ := m.workers.Load(name)
		if err := w.Start(); err != nil {
			errs = append(errs, fmt.Errorf("start channel %s: %w", name, err))
		}
	}
	m.started = true
	m.logger.Info("gateway started", "channels", len(m.order))

	return errors.Join(errs...)
}

// Stop closes every channel.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return m.closeWorkers()
	}
	m.started = false

	err := m.closeWorkers()
	m.logger.Info("gateway stopped")

	return err
}

func (m *Manager) closeWorkers() error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	m.workers.Range(func(name string, w *Worker) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := w.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop channel %s: %w", name, err))
				mu.Unlock()
			}
		}()

		return true
	})
	wg.Wait()

	return errors.Join(errs...)
}

// Worker returns the worker of channel name.
func (m *Manager) Worker(name string) (*Worker, bool) {
	return m.workers.Load(name)
}

// ChannelNames returns the channel names in configuration order.
func (m *Manager) ChannelNames() []string {
	return slices.Clone(m.order)
}

// Channels returns the status of every channel in configuration order.
func (m *Manager) Channels() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(m.order))
	for _, name := range m.order {
		if w, ok := m.workers.Load(name); ok {
			out = append(out, w.Status())
		}
	}

	return out
}

// Channel returns the status of channel name.
func (m *Manager) Channel(name string) (ChannelStatus, error) {
	w, ok := m.workers.Load(name)
	if !ok {
		return ChannelStatus{}, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}

	return w.Status(), nil
}

// PushTable pushes kind to channel name.
func (m *Manager) PushTable(ctx context.Context, name string, kind tabledownload.Kind) error {
	w, ok := m.workers.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}

	return w.PushTable(ctx, kind)
}

// PushAll pushes kind to every channel concurrently and joins the failures.
func (m *Manager) PushAll(ctx context.Context, kind tabledownload.Kind) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, name := range m.order {
		w, ok := m.workers.Load(name)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := w.PushTable(ctx, kind); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
