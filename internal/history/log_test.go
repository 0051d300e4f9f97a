package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/internal/db"
	"github.com/agent-workspace/realtime/internal/repository"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

func chunk(ts int64, i int) *protocol.Envelope {
	return &protocol.Envelope{
		SessionID:   "s-1",
		WorkspaceID: "7",
		Timestamp:   ts,
		Data:        &protocol.MessageChunk{MessageID: "m-1", Index: i},
	}
}

func timestamps(events []*protocol.Envelope) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Timestamp
	}
	return out
}

func TestSinceFromMemory(t *testing.T) {
	log := NewLog(Options{Capacity: 10}, zerolog.Nop())
	room := protocol.SessionRoom("7", "s-1")

	for i := 0; i < 5; i++ {
		log.Record(room, chunk(int64(100+i), i))
	}

	events, more, err := log.Since(context.Background(), room, 101, 0)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{102, 103, 104}, timestamps(events))

	events, more, err = log.Since(context.Background(), room, 0, 2)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []int64{100, 101}, timestamps(events))
}

func TestSinceIsWorkspaceScoped(t *testing.T) {
	log := NewLog(Options{Capacity: 10}, zerolog.Nop())
	log.Record(protocol.SessionRoom("7", "s-1"), chunk(100, 0))

	events, _, err := log.Since(context.Background(), protocol.SessionRoom("8", "s-1"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSinceFallsBackToStoreAfterEviction(t *testing.T) {
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	defer testDB.Close()

	log := NewLog(Options{Capacity: 2, Store: repository.NewEventRepository(testDB)}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log.Start(ctx)

	room := protocol.SessionRoom("7", "s-1")
	for i := 0; i < 4; i++ {
		log.Record(room, chunk(int64(100+i), i))
	}
	log.Close()

	// 100 and 101 were evicted from memory
	events, more, err := log.Since(context.Background(), room, 0, 10)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{100, 101, 102, 103}, timestamps(events))

	// The ring alone answers requests past the eviction point
	events, _, err = log.Since(context.Background(), room, 101, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{102, 103}, timestamps(events))
}

// laggingStore holds every Append until release is closed.
type laggingStore struct {
	release chan struct{}
	mu      sync.Mutex
	rows    []*protocol.Envelope
}

func (s *laggingStore) Append(_ context.Context, _ string, env *protocol.Envelope) (string, error) {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, env)
	return "", nil
}

func (s *laggingStore) ListSince(_ context.Context, _ string, since int64, limit int) ([]*protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range s.rows {
		if env.Timestamp > since && len(out) < limit {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *laggingStore) DeleteBefore(context.Context, int64) (int64, error) {
	return 0, nil
}

func TestSinceMergesRingWithLaggingStore(t *testing.T) {
	store := &laggingStore{release: make(chan struct{})}
	log := NewLog(Options{Capacity: 3, Store: store}, zerolog.Nop())
	log.Start(context.Background())
	defer log.Close()
	defer close(store.release)

	room := protocol.SessionRoom("7", "s-1")
	for i := 0; i < 5; i++ {
		log.Record(room, chunk(int64(100+i), i))
	}

	// nothing is persisted yet, 101 is gone from memory
	events, more, err := log.Since(context.Background(), room, 100, 0)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{102, 103, 104}, timestamps(events))
}

func TestSinceDeduplicatesStoreAndRing(t *testing.T) {
	store := &laggingStore{release: make(chan struct{})}
	close(store.release)
	log := NewLog(Options{Capacity: 2, Store: store}, zerolog.Nop())
	log.Start(context.Background())

	room := protocol.SessionRoom("7", "s-1")
	for i := 0; i < 4; i++ {
		log.Record(room, chunk(int64(100+i), i))
	}
	log.Close()

	events, more, err := log.Since(context.Background(), room, 0, 3)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []int64{100, 101, 102}, timestamps(events))

	events, more, err = log.Since(context.Background(), room, 0, 10)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{100, 101, 102, 103}, timestamps(events))
}

func TestEvictionWithoutStoreReturnsWhatIsLeft(t *testing.T) {
	log := NewLog(Options{Capacity: 2}, zerolog.Nop())
	room := protocol.SessionRoom("7", "s-1")
	for i := 0; i < 4; i++ {
		log.Record(room, chunk(int64(100+i), i))
	}

	events, _, err := log.Since(context.Background(), room, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{102, 103}, timestamps(events))
}

func TestSweepDropsIdleRooms(t *testing.T) {
	log := NewLog(Options{Capacity: 10, Retention: time.Minute}, zerolog.Nop())
	now := time.Now()
	log.now = func() time.Time { return now }

	log.Record(protocol.SessionRoom("7", "old"), chunk(1, 0))
	now = now.Add(2 * time.Minute)
	log.Record(protocol.SessionRoom("7", "new"), chunk(2, 0))

	log.Sweep(context.Background())
	assert.Equal(t, 1, log.Rooms())

	now = now.Add(2 * time.Minute)
	log.Sweep(context.Background())
	assert.Equal(t, 0, log.Rooms())
}

func TestRecordAfterCloseDoesNotPanic(t *testing.T) {
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	defer testDB.Close()

	log := NewLog(Options{Store: repository.NewEventRepository(testDB)}, zerolog.Nop())
	log.Start(context.Background())
	log.Close()

	assert.NotPanics(t, func() {
		log.Record(protocol.SessionRoom("7", "s-1"), chunk(1, 0))
	})
}
