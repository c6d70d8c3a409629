package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/event"
)

// Service consumes user-addressed events from the topic and fans them out
// to registered devices. High-priority events are delivered immediately;
// everything else is buffered and flushed in batches.
type Service struct {
	config   *Config
	storage  *Storage
	topic    *bus.Bus
	registry *MapperRegistry
	sender   *batchSender
	logger   *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	pending []sendItem
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sub *bus.Subscription
}

// NewService creates the fan-out service.
func NewService(
	config *Config,
	storage *Storage,
	topic *bus.Bus,
	gateway PushGateway,
	logger *zap.Logger,
) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("notify")

	registry := NewMapperRegistry()
	for _, mapper := range DefaultMappers() {
		if err := registry.Register(mapper); err != nil {
			return nil, err
		}
	}

	return &Service{
		config:   config,
		storage:  storage,
		topic:    topic,
		registry: registry,
		sender:   newBatchSender(gateway, config.BatchSize, config.Concurrency, config.SendTimeout, logger),
		logger:   logger,
	}, nil
}

// SetMetrics enables Prometheus metrics for the service.
func (s *Service) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// RegisterMapper adds a mapper beyond the default set.
func (s *Service) RegisterMapper(mapper DraftMapper) error {
	return s.registry.Register(mapper)
}

// Storage exposes the underlying storage for the API surface.
func (s *Service) Storage() *Storage {
	return s.storage
}

// Start subscribes to the topic and launches the workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("notify service already running")
	}
	s.running = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.sub = s.topic.Subscribe(
		bus.SubscriptionID("notify-"+uuid.New().String()),
		&bus.Filter{Kinds: s.registry.Kinds()},
		s.config.QueueSize,
	)

	s.wg.Add(1)
	go s.processEvents()

	s.wg.Add(1)
	go s.flusher()

	s.wg.Add(1)
	go s.cleanupProcessor()

	s.logger.Info("notify service started",
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("queue_size", s.config.QueueSize),
	)
	return nil
}

// Stop gracefully stops the service, flushing pending deliveries.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.sub != nil {
		s.topic.Unsubscribe(s.sub.ID)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// The workers have drained; the final flush runs with the caller's
		// still-live context so buffered deliveries actually go out.
		s.flush(ctx)
		s.logger.Info("notify service stopped")
	case <-ctx.Done():
		s.logger.Warn("notify service stop timed out")
	}
	return nil
}

func (s *Service) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.sub.Channel:
			if !ok {
				return
			}
			s.handleEvent(s.ctx, msg.Event)
		}
	}
}

// handleEvent runs the fan-out for one event: preference gate, draft,
// history record, then delivery. Preferences are checked before any device
// token is read.
func (s *Service) handleEvent(ctx context.Context, e *event.Event) {
	if e.SubjectUserID == "" {
		return
	}

	mapper, ok := s.registry.Get(e.Kind)
	if !ok {
		return
	}

	prefs, err := s.storage.GetPreferences(ctx, e.SubjectUserID)
	if err != nil {
		s.logger.Error("failed to load preferences",
			zap.String("user_id", e.SubjectUserID),
			zap.Error(err),
		)
		return
	}

	if !prefs.EnablePushNotifications || !mapper.Enabled(prefs) {
		if s.metrics != nil {
			s.metrics.SuppressedTotal.WithLabelValues(string(e.Kind)).Inc()
		}
		return
	}

	draft, ok := mapper.Draft(e)
	if !ok {
		return
	}

	if err := s.storage.SaveNotification(ctx, &Notification{
		ID:        uuid.New().String(),
		UserID:    e.SubjectUserID,
		Kind:      e.Kind,
		Title:     draft.Title,
		Body:      draft.Body,
		Data:      draft.Data,
		Read:      false,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Error("failed to persist notification history",
			zap.String("user_id", e.SubjectUserID),
			zap.Error(err),
		)
	}

	if s.metrics != nil {
		s.metrics.GeneratedTotal.WithLabelValues(string(e.Kind)).Inc()
	}

	tokens, err := s.storage.ActiveTokens(ctx, e.SubjectUserID)
	if err != nil {
		s.logger.Error("failed to load device tokens",
			zap.String("user_id", e.SubjectUserID),
			zap.Error(err),
		)
		return
	}
	if len(tokens) == 0 {
		// History is recorded even without a registered device
		return
	}

	items := make([]sendItem, 0, len(tokens))
	for _, token := range tokens {
		items = append(items, sendItem{token: token, draft: draft})
	}

	if e.Priority == event.PriorityHigh {
		s.deliver(ctx, items)
		return
	}

	s.enqueue(items)
}

// enqueue buffers items for the next flush, flushing early when a full
// batch has accumulated.
func (s *Service) enqueue(items []sendItem) {
	s.mu.Lock()
	s.pending = append(s.pending, items...)
	full := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		s.flush(s.ctx)
	}
}

func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	items := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(items) == 0 {
		return
	}
	s.deliver(ctx, items)
}

func (s *Service) deliver(ctx context.Context, items []sendItem) {
	sent := s.sender.sendAll(ctx, items)
	if s.metrics != nil {
		s.metrics.SentTotal.Add(float64(sent))
		s.metrics.SendFailuresTotal.Add(float64(len(items) - sent))
	}
	if sent < len(items) {
		s.logger.Warn("partial delivery",
			zap.Int("sent", sent),
			zap.Int("attempted", len(items)),
		)
	}
}

func (s *Service) flusher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flush(s.ctx)
		}
	}
}

func (s *Service) cleanupProcessor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-s.config.HistoryRetention)
			removed, err := s.storage.CleanupOldHistory(s.ctx, before)
			if err != nil {
				s.logger.Warn("history cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("cleaned up old notifications", zap.Int("removed", removed))
			}
		}
	}
}
