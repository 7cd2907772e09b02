package signaling

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/mossy-p/meeting-signaling/config"
)

const attemptTimeout = 5 * time.Second

type SyncConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Workers:     4,
		QueueSize:   1024,
		MaxAttempts: 8,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

func SyncConfigFrom(c config.DurabilityConfig) SyncConfig {
	return SyncConfig{
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
	}
}

type syncTask struct {
	meetingID string
	op        string
	run       func(ctx context.Context) error
}

// Syncer applies durable writes off the signaling path. Writes for one
// meeting always land on the same worker, so they are applied in the order
// they were enqueued.
type Syncer struct {
	cfg    SyncConfig
	shards []chan syncTask
	wg     conc.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewSyncer(cfg SyncConfig) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		cfg:    cfg,
		shards: make([]chan syncTask, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range s.shards {
		ch := make(chan syncTask, cfg.QueueSize)
		s.shards[i] = ch
		s.wg.Go(func() { s.work(ch) })
	}
	return s
}

// Enqueue schedules fn and returns immediately. A full queue or a closed
// syncer drops the write and logs it.
func (s *Syncer) Enqueue(meetingID, op string, fn func(ctx context.Context) error) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(meetingID, op, "syncer closed")
		return false
	}
	select {
	case s.shard(meetingID) <- syncTask{meetingID: meetingID, op: op, run: fn}:
		return true
	default:
		s.drop(meetingID, op, "queue full")
		return false
	}
}

func (s *Syncer) drop(meetingID, op, why string) {
	log.Error().Str("module", "signaling.durability").
		Err(ErrDurabilityWriteFailed).
		Str("meeting_id", meetingID).
		Str("op", op).
		Msg("dropping durable write: " + why)
}

func (s *Syncer) shard(meetingID string) chan syncTask {
	h := fnv.New32a()
	h.Write([]byte(meetingID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Syncer) work(ch chan syncTask) {
	for t := range ch {
		s.apply(t)
	}
}

func (s *Syncer) apply(t syncTask) {
	backoff := s.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, attemptTimeout)
		err := t.run(ctx)
		cancel()
		if err == nil {
			return
		}

		logger := log.With().Str("module", "signaling.durability").
			Str("meeting_id", t.meetingID).
			Str("op", t.op).
			Int("attempt", attempt).
			Logger()
		if attempt >= s.cfg.MaxAttempts || s.ctx.Err() != nil {
			logger.Error().Err(fmt.Errorf("%w: %w", ErrDurabilityWriteFailed, err)).Msg("giving up on durable write")
			return
		}
		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("durable write failed, retrying")

		timer := time.NewTimer(jitter(backoff))
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
		}
		backoff *= 2
		if s.cfg.MaxBackoff > 0 && backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// jitter spreads d over [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

// Close stops accepting writes and waits for queued ones. When ctx expires
// first, retries are abandoned and the remaining queue is attempted once.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.shards {
		close(ch)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
