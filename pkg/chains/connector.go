package chains

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskmesh/relay/pkg/event"
	"github.com/taskmesh/relay/pkg/normalize"
)

// Status is the lifecycle state of a connector.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusStarting   Status = "starting"
	StatusReplaying  Status = "replaying"
	StatusLive       Status = "live"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// LogSource is the RPC surface a connector needs. *ethclient.Client
// satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a LogSource. Connectors redial through it after failures.
type Dialer func(ctx context.Context) (LogSource, error)

// EthDialer returns a Dialer for a go-ethereum websocket endpoint.
func EthDialer(endpoint string) Dialer {
	return func(ctx context.Context) (LogSource, error) {
		return ethclient.DialContext(ctx, endpoint)
	}
}

// Ingestor receives canonical events. *eventstore.Store satisfies it.
type Ingestor interface {
	Append(ctx context.Context, e *event.Event) (bool, error)
}

// Metrics are per-connector counters.
type Metrics struct {
	LogsProcessed uint64
	LogsSkipped   uint64
	EventsEmitted uint64
	Reconnects    uint64
}

// Connector streams one chain's contract logs into the event store. It
// replays from the persisted cursor on every (re)connect; duplicates from
// overlapping replays are absorbed by event id deduplication downstream.
// A connector failure never touches other chains.
type Connector struct {
	cfg         *Config
	dial        Dialer
	decoder     *Decoder
	normalizer  *normalize.Normalizer
	store       Ingestor
	cursors     *CursorStore
	replayLimit *rate.Limiter

	status      Status
	running     bool
	statusMu    sync.RWMutex
	lastError   error
	lastErrorAt time.Time

	logsProcessed atomic.Uint64
	logsSkipped   atomic.Uint64
	eventsEmitted atomic.Uint64
	reconnects    atomic.Uint64

	ctx        context.Context
	cancelFunc context.CancelFunc
	runningWg  sync.WaitGroup
	logger     *zap.Logger
}

// NewConnector creates a connector for one chain.
func NewConnector(
	cfg *Config,
	dial Dialer,
	normalizer *normalize.Normalizer,
	store Ingestor,
	cursors *CursorStore,
	logger *zap.Logger,
) (*Connector, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	decoder, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Connector{
		cfg:         cfg,
		dial:        dial,
		decoder:     decoder,
		normalizer:  normalizer,
		store:       store,
		cursors:     cursors,
		replayLimit: rate.NewLimiter(rate.Limit(cfg.ReplayRequestsPerSec), 1),
		status:      StatusRegistered,
		logger:      logger.With(zap.String("chain", cfg.ID)),
	}, nil
}

// ChainID returns the chain identifier.
func (c *Connector) ChainID() string {
	return c.cfg.ID
}

// Status returns the current lifecycle state.
func (c *Connector) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// LastError returns the most recent connection error, if any.
func (c *Connector) LastError() (error, time.Time) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastError, c.lastErrorAt
}

// GetMetrics returns a snapshot of the connector counters.
func (c *Connector) GetMetrics() Metrics {
	return Metrics{
		LogsProcessed: c.logsProcessed.Load(),
		LogsSkipped:   c.logsSkipped.Load(),
		EventsEmitted: c.eventsEmitted.Load(),
		Reconnects:    c.reconnects.Load(),
	}
}

func (c *Connector) setStatus(status Status) {
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
}

func (c *Connector) setError(err error) {
	c.statusMu.Lock()
	c.status = StatusError
	c.lastError = err
	c.lastErrorAt = time.Now()
	c.statusMu.Unlock()
}

// Start launches the connector loop. The running flag, not the status,
// gates startability: the supervision loop flips the status to error between
// retries while it is still alive.
func (c *Connector) Start(ctx context.Context) error {
	c.statusMu.Lock()
	if c.running {
		c.statusMu.Unlock()
		return ErrConnectorRunning
	}
	c.running = true
	c.status = StatusStarting
	c.statusMu.Unlock()

	c.ctx, c.cancelFunc = context.WithCancel(ctx)

	c.logger.Info("starting connector",
		zap.String("endpoint", c.cfg.WSEndpoint),
		zap.Int("contracts", len(c.cfg.Contracts)),
	)

	c.runningWg.Add(1)
	go c.run()

	return nil
}

// Stop gracefully stops the connector.
func (c *Connector) Stop(ctx context.Context) error {
	c.statusMu.Lock()
	if c.status == StatusStopped || c.status == StatusStopping {
		c.statusMu.Unlock()
		return nil
	}
	c.status = StatusStopping
	c.statusMu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	done := make(chan struct{})
	go func() {
		c.runningWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("connector stopped")
	case <-ctx.Done():
		c.logger.Warn("connector stop timed out")
	}

	c.setStatus(StatusStopped)
	return nil
}

// run is the supervision loop: connect, stream, and on failure reconnect
// with exponential backoff. Backoff resets after a session that reached the
// live stream.
func (c *Connector) run() {
	defer func() {
		c.statusMu.Lock()
		c.running = false
		c.statusMu.Unlock()
		c.runningWg.Done()
	}()

	backoff := c.cfg.ReconnectBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}

		wentLive, err := c.connectAndStream(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.setError(err)
			c.logger.Warn("connector session failed",
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
		}

		if wentLive {
			backoff = c.cfg.ReconnectBackoff
		}

		c.reconnects.Add(1)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.MaxReconnectBackoff {
			backoff = c.cfg.MaxReconnectBackoff
		}
	}
}

// connectAndStream runs one session: dial, replay from the cursor, then
// consume the live subscription until it fails or the context ends.
// Returns whether the session reached the live stream.
func (c *Connector) connectAndStream(ctx context.Context) (bool, error) {
	src, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer src.Close()

	c.setStatus(StatusReplaying)

	latest, err := src.BlockNumber(ctx)
	if err != nil {
		return false, err
	}

	if err := c.replay(ctx, src, latest); err != nil {
		return false, err
	}

	c.setStatus(StatusLive)
	c.logger.Info("connector live", zap.Uint64("head", latest))

	logs := make(chan types.Log, 256)
	sub, err := src.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: c.cfg.Addresses(),
	}, logs)
	if err != nil {
		return true, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-sub.Err():
			return true, err
		case lg := <-logs:
			if err := c.handleLog(ctx, lg); err != nil {
				return true, err
			}
		}
	}
}

// replay fetches missed logs between the cursor and the chain head in
// bounded block ranges.
func (c *Connector) replay(ctx context.Context, src LogSource, latest uint64) error {
	from := c.startBlock()

	cursor, ok, err := c.cursors.Load(ctx, c.cfg.ID)
	if err != nil {
		return err
	}
	if ok {
		// Re-fetch the cursor block: later logs in it may not be stored yet
		from = cursor.Block
	}

	if from > latest {
		return nil
	}

	c.logger.Info("replaying missed blocks",
		zap.Uint64("from", from),
		zap.Uint64("to", latest),
	)

	for from <= latest {
		to := from + c.cfg.ReplayBatchSize - 1
		if to > latest {
			to = latest
		}

		if err := c.replayLimit.Wait(ctx); err != nil {
			return err
		}

		logs, err := src.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: c.cfg.Addresses(),
		})
		if err != nil {
			return err
		}

		for _, lg := range logs {
			if err := c.handleLog(ctx, lg); err != nil {
				return err
			}
		}

		from = to + 1
	}

	return nil
}

// startBlock is the earliest configured contract start block, used when no
// cursor exists yet.
func (c *Connector) startBlock() uint64 {
	var start uint64
	for i, contract := range c.cfg.Contracts {
		if i == 0 || contract.StartBlock < start {
			start = contract.StartBlock
		}
	}
	return start
}

// handleLog decodes, normalizes, and stores one log, then advances the
// cursor. Malformed logs are logged and skipped; storage failures abort the
// session so the cursor stays behind the unstored log.
func (c *Connector) handleLog(ctx context.Context, lg types.Log) error {
	if lg.Removed {
		// Reorged-out log, never index it
		c.logsSkipped.Add(1)
		return nil
	}

	c.logsProcessed.Add(1)

	raw, err := c.decoder.Decode(lg)
	if err != nil {
		c.logsSkipped.Add(1)
		c.logger.Warn("skipping undecodable log",
			zap.String("tx", lg.TxHash.Hex()),
			zap.Uint64("block", lg.BlockNumber),
			zap.Error(err),
		)
		return c.advanceCursor(ctx, lg)
	}

	events, err := c.normalizer.Normalize(ctx, raw)
	if err != nil {
		c.logsSkipped.Add(1)
		c.logger.Warn("skipping unmappable log",
			zap.String("tx", lg.TxHash.Hex()),
			zap.String("event", raw.EventName),
			zap.Error(err),
		)
		return c.advanceCursor(ctx, lg)
	}

	for _, e := range events {
		created, err := c.store.Append(ctx, e)
		if err != nil {
			return err
		}
		if created {
			c.eventsEmitted.Add(1)
		}
	}

	return c.advanceCursor(ctx, lg)
}

func (c *Connector) advanceCursor(ctx context.Context, lg types.Log) error {
	return c.cursors.Advance(ctx, c.cfg.ID, Cursor{
		Block:    lg.BlockNumber,
		LogIndex: lg.Index,
	})
}
