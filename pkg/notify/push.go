package notify

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PushGateway delivers one rendered notification to one device token.
type PushGateway interface {
	Send(ctx context.Context, token string, draft *Draft) error
}

// sendItem is one pending delivery.
type sendItem struct {
	token *DeviceToken
	draft *Draft
}

// batchSender delivers items in bounded concurrent batches. A failed send
// is logged and skipped; one dead token never blocks the rest of a batch.
type batchSender struct {
	gateway     PushGateway
	batchSize   int
	concurrency int
	sendTimeout time.Duration
	logger      *zap.Logger
}

func newBatchSender(gateway PushGateway, batchSize, concurrency int, sendTimeout time.Duration, logger *zap.Logger) *batchSender {
	return &batchSender{
		gateway:     gateway,
		batchSize:   batchSize,
		concurrency: concurrency,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// sendAll delivers all items batch by batch and returns the number of
// affirmative confirmations.
func (b *batchSender) sendAll(ctx context.Context, items []sendItem) int {
	sent := 0
	for start := 0; start < len(items); start += b.batchSize {
		end := start + b.batchSize
		if end > len(items) {
			end = len(items)
		}
		sent += b.sendBatch(ctx, items[start:end])

		if ctx.Err() != nil {
			break
		}
	}
	return sent
}

func (b *batchSender) sendBatch(ctx context.Context, batch []sendItem) int {
	var confirmed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, item := range batch {
		item := item
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()

			if err := b.gateway.Send(sendCtx, item.token.Token, item.draft); err != nil {
				b.logger.Warn("push delivery failed",
					zap.String("user_id", item.token.UserID),
					zap.String("platform", item.token.Platform),
					zap.Error(err),
				)
				// Partial failure is tolerated
				return nil
			}
			confirmed.Add(1)
			return nil
		})
	}

	_ = g.Wait()
	return int(confirmed.Load())
}
