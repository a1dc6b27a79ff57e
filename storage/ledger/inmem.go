package ledger

import (
	"sync"

	"github.com/trezcool/mahudhurio/agent"
)

// Memory is the volatile ledger used by tests and ephemeral dev runs.
type Memory struct {
	mu  sync.Mutex
	ids map[int]bool
}

var _ agent.Ledger = (*Memory)(nil)

func OpenMemory() *Memory {
	return &Memory{ids: make(map[int]bool)}
}

func (l *Memory) Has(sessionID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[sessionID], nil
}

func (l *Memory) MarkProcessed(sessionID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[sessionID] = true
	return nil
}

func (l *Memory) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = make(map[int]bool)
	return nil
}

func (l *Memory) Close() error { return nil }
