package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	mu      sync.Mutex
	offsets []int64
	batches [][]Update
	errs    []error
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if len(s.batches) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	batch, err := s.batches[0], s.errs[0]
	s.batches, s.errs = s.batches[1:], s.errs[1:]
	s.mu.Unlock()
	return batch, err
}

func TestPollerAdvancesOffsetAndSurvivesErrors(t *testing.T) {
	source := &scriptedSource{
		batches: [][]Update{
			{{UpdateID: 10}, {UpdateID: 11}},
			nil,
			{{UpdateID: 12}},
		},
		errs: []error{nil, errors.New("bad gateway"), nil},
	}
	var (
		mu   sync.Mutex
		seen []int64
	)
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(source, time.Second, func(_ context.Context, u Update) {
		mu.Lock()
		seen = append(seen, u.UpdateID)
		if len(seen) == 3 {
			cancel()
		}
		mu.Unlock()
	}, nil)
	p.backoff = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	assert.Equal(t, []int64{10, 11, 12}, seen)
	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, []int64{0, 12, 12}, source.offsets[:3])
}
