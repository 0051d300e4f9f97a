// Package history keeps recent envelopes per room so a client that
// reconnects can request what it missed.
//
// Each room holds a bounded ring in memory. When a Store is configured every
// recorded envelope is also written to it asynchronously, and requests that
// reach past the oldest envelope still held in memory fall back to the store.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/buffer"
	"github.com/agent-workspace/realtime/internal/metrics"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

const (
	// DefaultLimit is used when a request does not set a limit.
	DefaultLimit = 100

	// MaxLimit caps the number of envelopes returned by one request.
	MaxLimit = 1000

	writeQueueSize = 1024
)

// Store persists envelopes.
type Store interface {
	Append(ctx context.Context, roomKey string, env *protocol.Envelope) (string, error)
	ListSince(ctx context.Context, roomKey string, since int64, limit int) ([]*protocol.Envelope, error)
	DeleteBefore(ctx context.Context, ts int64) (int64, error)
}

// Options configures a Log.
type Options struct {
	// Capacity is the number of envelopes kept in memory per room.
	Capacity int

	// Retention is how long a room without new envelopes is kept in memory,
	// and how long persisted envelopes are kept in the store.
	Retention time.Duration

	// Store is optional.
	Store Store
}

type roomLog struct {
	ring *buffer.Ring[*protocol.Envelope]
	// newest timestamp evicted from the ring, 0 while nothing was evicted
	lastDropped int64
	touched     time.Time
}

type record struct {
	roomKey string
	env     *protocol.Envelope
}

// Log is the per-room event log.
type Log struct {
	opts   Options
	rooms  map[string]*roomLog
	mu     sync.Mutex
	queue  chan record
	logger zerolog.Logger
	now    func() time.Time

	wg     sync.WaitGroup
	closed bool
	done   chan struct{}
}

// NewLog creates a Log. Call Start to run the persistence writer and the
// retention sweep.
func NewLog(opts Options, logger zerolog.Logger) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	l := &Log{
		opts:   opts,
		rooms:  make(map[string]*roomLog),
		logger: logger.With().Str("component", "history").Logger(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if opts.Store != nil {
		l.queue = make(chan record, writeQueueSize)
	}
	return l
}

// Start runs background workers until ctx is cancelled or Close is called.
func (l *Log) Start(ctx context.Context) {
	if l.queue != nil {
		l.wg.Add(1)
		go l.writeLoop()
	}

	l.wg.Add(1)
	go l.sweepLoop(ctx)
}

// Close stops the workers and flushes queued envelopes to the store.
func (l *Log) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
		if l.queue != nil {
			close(l.queue)
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Record appends env to the log of room.
func (l *Log) Record(room protocol.Room, env *protocol.Envelope) {
	key := room.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rooms[key]
	if !ok {
		rl = &roomLog{ring: buffer.NewRing[*protocol.Envelope](l.opts.Capacity)}
		l.rooms[key] = rl
	}
	if rl.ring.Len() == rl.ring.Cap() {
		if oldest, ok := rl.ring.Oldest(); ok {
			rl.lastDropped = oldest.Timestamp
		}
	}
	rl.ring.Push(env)
	rl.touched = l.now()

	if l.queue == nil || l.closed {
		return
	}

	select {
	case l.queue <- record{roomKey: key, env: env}:
	default:
		metrics.HistoryDropped.Inc()
		l.logger.Warn().Str("room", key).Msg("history write queue full, envelope not persisted")
	}
}

// Since returns up to limit envelopes of room with a timestamp after since,
// oldest first, and whether more are available.
func (l *Log) Since(ctx context.Context, room protocol.Room, since int64, limit int) ([]*protocol.Envelope, bool, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	key := room.Key()

	l.mu.Lock()
	rl, ok := l.rooms[key]
	var inMemory []*protocol.Envelope
	complete := true
	if ok {
		inMemory = rl.ring.Filter(func(env *protocol.Envelope) bool { return env.Timestamp > since })
		complete = since >= rl.lastDropped
	} else {
		complete = false
	}
	l.mu.Unlock()

	if !complete && l.opts.Store != nil {
		stored, err := l.opts.Store.ListSince(ctx, key, since, limit+1)
		if err != nil {
			return nil, false, err
		}
		return page(merge(stored, inMemory), limit)
	}

	return page(inMemory, limit)
}

// merge combines persisted and in-memory envelopes ordered by timestamp.
// The store is written asynchronously and may lag behind the ring or miss
// envelopes dropped from a full write queue, so both sources are needed.
func merge(stored, inMemory []*protocol.Envelope) []*protocol.Envelope {
	out := make([]*protocol.Envelope, 0, len(stored)+len(inMemory))
	seen := make(map[int64]struct{}, len(stored)+len(inMemory))
	for _, events := range [][]*protocol.Envelope{inMemory, stored} {
		for _, env := range events {
			if _, dup := seen[env.Timestamp]; dup {
				continue
			}
			seen[env.Timestamp] = struct{}{}
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func page(events []*protocol.Envelope, limit int) ([]*protocol.Envelope, bool, error) {
	if len(events) > limit {
		return events[:limit], true, nil
	}
	return events, false, nil
}

// Rooms returns the number of rooms with an in-memory log.
func (l *Log) Rooms() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}

// Sweep removes rooms idle for longer than the retention and prunes the store.
func (l *Log) Sweep(ctx context.Context) {
	cutoff := l.now().Add(-l.opts.Retention)

	l.mu.Lock()
	for key, rl := range l.rooms {
		if rl.touched.Before(cutoff) {
			delete(l.rooms, key)
		}
	}
	l.mu.Unlock()

	if l.opts.Store == nil {
		return
	}
	n, err := l.opts.Store.DeleteBefore(ctx, cutoff.UnixMilli())
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to prune persisted history")
		return
	}
	if n > 0 {
		l.logger.Debug().Int64("removed", n).Msg("pruned persisted history")
	}
}

func (l *Log) writeLoop() {
	defer l.wg.Done()

	for rec := range l.queue {
		if _, err := l.opts.Store.Append(context.Background(), rec.roomKey, rec.env); err != nil {
			l.logger.Error().Err(err).Str("room", rec.roomKey).Msg("failed to persist envelope")
		}
	}
}

func (l *Log) sweepLoop(ctx context.Context) {
	defer l.wg.Done()

	interval := l.opts.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}
