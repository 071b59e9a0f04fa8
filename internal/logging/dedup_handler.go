package logging

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultDedupBatch = 100
	defaultDedupFlush = time.Second
)

// DedupHandler collapses bursts of identical records before they reach the
// underlying handler. Records are keyed by level, message, and attributes;
// the timestamp is excluded so repeats logged milliseconds apart still
// collapse. Buffered records flush when the batch fills or the flush
// interval elapses, with a repeated_count attribute on anything seen more
// than once.
type DedupHandler struct {
	handler slog.Handler
	state   *dedupState

	// id enters the record key so derivatives with different preset attrs
	// or groups never collapse into each other's entries.
	id uint64
}

var dedupHandlerIDs atomic.Uint64

// dedupState is shared across WithAttrs and WithGroup derivatives so every
// variant of the handler deduplicates through one buffer and one flush
// goroutine.
type dedupState struct {
	mu      sync.Mutex
	entries map[uint64]*dedupEntry
	order   []uint64

	batchSize int
	ticker    *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
}

// dedupEntry remembers which handler buffered the record so the flush emits
// it with that handler's attributes and groups applied.
type dedupEntry struct {
	handler slog.Handler
	record  slog.Record
	count   int
}

// NewDedupHandler wraps handler with default batching.
func NewDedupHandler(handler slog.Handler) *DedupHandler {
	return NewDedupHandlerWith(handler, defaultDedupBatch, defaultDedupFlush)
}

// NewDedupHandlerWith wraps handler, flushing after batchSize unique records
// or flushEvery, whichever comes first. Close flushes whatever is still
// buffered.
func NewDedupHandlerWith(handler slog.Handler, batchSize int, flushEvery time.Duration) *DedupHandler {
	if batchSize <= 0 {
		batchSize = defaultDedupBatch
	}
	if flushEvery <= 0 {
		flushEvery = defaultDedupFlush
	}

	s := &dedupState{
		entries:   make(map[uint64]*dedupEntry),
		order:     make([]uint64, 0, batchSize),
		batchSize: batchSize,
		ticker:    time.NewTicker(flushEvery),
		stop:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()

	return &DedupHandler{handler: handler, state: s, id: dedupHandlerIDs.Add(1)}
}

// Enabled reports whether the underlying handler handles the level.
func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle buffers the record, counting duplicates instead of re-buffering.
func (h *DedupHandler) Handle(_ context.Context, r slog.Record) error {
	key := h.hashRecord(r)
	s := h.state

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		entry.count++
		return nil
	}

	s.entries[key] = &dedupEntry{handler: h.handler, record: r.Clone(), count: 1}
	s.order = append(s.order, key)
	if len(s.order) >= s.batchSize {
		s.flush()
	}
	return nil
}

// WithAttrs derives the underlying handler and keeps the shared buffer.
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &DedupHandler{
		handler: h.handler.WithAttrs(attrs),
		state:   h.state,
		id:      dedupHandlerIDs.Add(1),
	}
}

// WithGroup derives the underlying handler and keeps the shared buffer.
func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &DedupHandler{
		handler: h.handler.WithGroup(name),
		state:   h.state,
		id:      dedupHandlerIDs.Add(1),
	}
}

// Close stops the flush goroutine after a final flush of the buffer.
func (h *DedupHandler) Close() error {
	close(h.state.stop)
	h.state.ticker.Stop()
	h.state.wg.Wait()
	return nil
}

// hashRecord keys a record by the handler identity, level, message, and
// attributes. The timestamp stays out of the key.
func (h *DedupHandler) hashRecord(r slog.Record) uint64 {
	hash := xxhash.New()
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], h.id)
	hash.Write(id[:])
	hash.WriteString(r.Level.String())
	hash.WriteString("|")
	hash.WriteString(r.Message)
	hash.WriteString("|")
	r.Attrs(func(a slog.Attr) bool {
		hash.WriteString(a.Key)
		hash.WriteString("=")
		hash.WriteString(a.Value.String())
		hash.WriteString("|")
		return true
	})
	return hash.Sum64()
}

func (s *dedupState) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.mu.Lock()
			s.flush()
			s.mu.Unlock()
		case <-s.stop:
			s.mu.Lock()
			s.flush()
			s.mu.Unlock()
			return
		}
	}
}

// flush emits the buffered records in arrival order. Called with mu held;
// the lock is released while the underlying handlers run so a handler that
// logs cannot deadlock the buffer.
func (s *dedupState) flush() {
	if len(s.order) == 0 {
		return
	}

	batch := make([]*dedupEntry, 0, len(s.order))
	for _, key := range s.order {
		entry := s.entries[key]
		if entry == nil {
			continue
		}
		if entry.count > 1 {
			entry.record.AddAttrs(slog.Int("repeated_count", entry.count))
		}
		batch = append(batch, entry)
	}
	s.entries = make(map[uint64]*dedupEntry)
	s.order = s.order[:0]

	s.mu.Unlock()
	for _, entry := range batch {
		_ = entry.handler.Handle(context.Background(), entry.record)
	}
	s.mu.Lock()
}
