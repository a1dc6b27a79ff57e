package brokersvc

import (
	"context"
	"sync"

	"github.com/trezcool/mahudhurio/core/attendance"
)

// MemoryBroker fans messages out to in-process subscribers. It backs
// single-instance deployments and tests; multi-instance deployments use
// RedisBroker so every API node sees every event.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers []func(attendance.EventMessage)
	closed   bool
}

var _ attendance.Broker = (*MemoryBroker)(nil) // interface compliance check

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(_ context.Context, msg attendance.EventMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, fn := range b.handlers {
		fn(msg)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, fn func(attendance.EventMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.handlers = append(b.handlers, fn)
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
