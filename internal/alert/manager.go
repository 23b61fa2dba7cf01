// Package alert forwards important engine events to an operator channel without ever
// blocking the caller.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	sendTimeout               = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

// Manager queues alerts and delivers them from a single goroutine. A full queue drops the
// alert and counts it.
type Manager struct {
	mode     string
	instance string
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	queue              chan event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration

	droppedTotal         atomic.Uint64
	droppedSinceReported atomic.Uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

// NewManager returns nil when notifier is nil; a nil *Manager is a valid no-op Alerter.
func NewManager(mode, instance string, notifier Notifier, logger *zap.Logger, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	m := &Manager{
		mode:               mode,
		instance:           instance,
		notifier:           notifier,
		logger:             logger,
		now:                time.Now,
		queue:              make(chan event, opts.QueueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: opts.DropReportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		// The first drop of a window is logged immediately; the rest go into the summary.
		if m.droppedSinceReported.Add(1) == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("target_event", name),
				zap.Uint64("dropped_total", total),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

// Close stops accepting alerts and waits until the queue is flushed or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			m.reportDropped()
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedSinceReported.Swap(0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", m.droppedTotal.Load()),
		zap.Duration("report_interval", m.dropReportInterval),
	)
}

// Dropped returns the total number of dropped alerts and the count not yet reported.
func (m *Manager) Dropped() (total, pending uint64) {
	if m == nil {
		return 0, 0
	}
	return m.droppedTotal.Load(), m.droppedSinceReported.Load()
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.message(ev)); err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", ev.name), zap.Error(err))
	}
}

func (m *Manager) message(ev event) string {
	lines := []string{
		"[perp-grid] important",
		"time: " + m.now().UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"instance: " + m.instance,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
