package telegram

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// UpdateSource fetches updates by offset.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poller long-polls an UpdateSource and hands every update to Handler in
// the order received.
type Poller struct {
	source  UpdateSource
	timeout time.Duration
	backoff time.Duration
	handler func(ctx context.Context, u Update)
	logger  *zap.Logger
}

func NewPoller(source UpdateSource, timeout time.Duration, handler func(ctx context.Context, u Update), logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		source:  source,
		timeout: timeout,
		backoff: 3 * time.Second,
		handler: handler,
		logger:  logger.Named("poller"),
	}
}

// Run polls until ctx is cancelled. Fetch errors are logged and retried
// after a pause; they never end the loop.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	p.logger.Info("polling for updates", zap.Duration("timeout", p.timeout))
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("get updates failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.backoff):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.handler(ctx, u)
		}
	}
}
