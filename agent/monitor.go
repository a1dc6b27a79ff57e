package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

const defaultPollInterval = 30 * time.Second

// BoardSource fetches the student board. *Client satisfies it.
type BoardSource interface {
	StudentBoard(ctx context.Context) (attendance.StudentBoard, error)
}

// Offerer accepts session triggers for automatic marking.
// *Orchestrator satisfies it.
type Offerer interface {
	Offer(trig Trigger) bool
}

type MonitorDeps struct {
	Board  BoardSource
	Sink   Offerer
	Ledger Ledger
	Logger core.Logger

	Interval time.Duration // default 30s
}

// Monitor is the polling fallback behind the realtime channel: every
// interval (and on Kick) it fetches the student board and offers every
// active, unmarked, unledgered session to the orchestrator. It never
// coordinates with the channel; the ledger alone prevents a session the
// realtime path already handled from triggering a second run.
type Monitor struct {
	board    BoardSource
	sink     Offerer
	ledger   Ledger
	logger   core.Logger
	interval time.Duration

	mu       sync.Mutex
	boardFns []func(attendance.StudentBoard)
	started  bool

	kick chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewMonitor(deps MonitorDeps) *Monitor {
	if deps.Interval <= 0 {
		deps.Interval = defaultPollInterval
	}
	return &Monitor{
		board:    deps.Board,
		sink:     deps.Sink,
		ledger:   deps.Ledger,
		logger:   deps.Logger,
		interval: deps.Interval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// OnBoard registers fn for every successfully fetched board. Listeners
// run on the polling goroutine and must not block.
func (m *Monitor) OnBoard(fn func(attendance.StudentBoard)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boardFns = append(m.boardFns, fn)
}

// Start sweeps once immediately, then on every interval tick.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("agent: monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	return nil
}

// Kick forces an immediate sweep, such as on focus regain or a SIGHUP.
// Kicks coalesce while one is already pending.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Monitor) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.sweep()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-m.kick:
			m.sweep()
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	timeout := m.interval
	if timeout < 10*time.Second {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	board, err := m.board.StudentBoard(ctx)
	cancel()
	if err != nil {
		// left for the next tick; the board is advisory, not critical
		m.logger.Warn(fmt.Sprintf("agent: polling student board: %v", err))
		return
	}

	m.mu.Lock()
	fns := append(([]func(attendance.StudentBoard))(nil), m.boardFns...)
	m.mu.Unlock()
	for _, fn := range fns {
		m.safeCall(fn, board)
	}

	for _, entry := range board.ActiveSessions {
		if entry.AttendanceMarked {
			continue
		}
		done, err := m.ledger.Has(entry.ID)
		if err != nil {
			m.logger.Warn(fmt.Sprintf("agent: ledger read for session %d: %v", entry.ID, err))
		}
		if done {
			continue
		}
		if m.sink.Offer(TriggerFromBoard(entry)) {
			m.logger.Info(fmt.Sprintf("agent: session %d picked up by poll", entry.ID))
		}
	}
}

func (m *Monitor) safeCall(fn func(attendance.StudentBoard), board attendance.StudentBoard) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(fmt.Sprintf("agent: board listener panic: %v", r))
		}
	}()
	fn(board)
}
