package grpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Producer is an open PublishStream call.
type Producer struct {
	// ID is assigned when the stream opens. A producer that reconnects gets
	// a new one.
	ID string

	// Addr is the remote address reported by the transport, if known.
	Addr string

	ConnectedAt time.Time

	// Accepted counts messages fanned out so far on this stream.
	Accepted int64
}

type producerEntry struct {
	Producer
	accepted atomic.Int64
}

// Producers is the in-memory registry of open ingest streams. It is safe for
// concurrent use. All state is lost on restart; producers simply reopen
// their streams.
type Producers struct {
	mu      sync.RWMutex
	entries map[string]*producerEntry
	logger  *zap.Logger
}

// NewProducers creates an empty registry.
func NewProducers(logger *zap.Logger) *Producers {
	return &Producers{
		entries: make(map[string]*producerEntry),
		logger:  logger.Named("producers"),
	}
}

// register adds a producer and returns the handle used to count accepted
// messages and to deregister it.
func (p *Producers) register(addr string) *producerEntry {
	e := &producerEntry{Producer: Producer{
		ID:          uuid.NewString(),
		Addr:        addr,
		ConnectedAt: time.Now().UTC(),
	}}

	p.mu.Lock()
	p.entries[e.ID] = e
	total := len(p.entries)
	p.mu.Unlock()

	p.logger.Info("producer connected",
		zap.String("producer_id", e.ID),
		zap.String("addr", addr),
		zap.Int("total_connected", total),
	)
	return e
}

func (p *Producers) deregister(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	total := len(p.entries)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.logger.Info("producer disconnected",
		zap.String("producer_id", id),
		zap.Int64("accepted", e.accepted.Load()),
		zap.Duration("session_duration", time.Since(e.ConnectedAt)),
		zap.Int("total_connected", total),
	)
}

// Count returns the number of open ingest streams.
func (p *Producers) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshot returns copies of every open producer. Modifying the result does
// not affect the registry.
func (p *Producers) Snapshot() []Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]Producer, 0, len(p.entries))
	for _, e := range p.entries {
		cp := e.Producer
		cp.Accepted = e.accepted.Load()
		result = append(result, cp)
	}
	return result
}
