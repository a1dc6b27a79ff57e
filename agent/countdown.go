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

var NowFunc = time.Now // mockable

// RefreshFunc rotates a session token, invalidating the previous value.
// Client.RefreshToken curried with a session id satisfies it.
type RefreshFunc func(ctx context.Context, previous string) (attendance.IssuedToken, error)

type CountdownOptions struct {
	Token       attendance.IssuedToken
	Refresh     RefreshFunc
	AutoRefresh bool
	Logger      core.Logger

	Interval time.Duration // tick period, default 1s
}

// Countdown drives the owner-side token display: a once-per-second,
// monotonically decreasing time-to-expiry. At zero it either rotates the
// token automatically (retrying on subsequent ticks while the rotation
// fails) or freezes at 00:00 until a manual Refresh.
type Countdown struct {
	refresh     RefreshFunc
	logger      core.Logger
	autoRefresh bool
	interval    time.Duration

	mu        sync.Mutex
	token     attendance.IssuedToken
	remaining time.Duration
	frozen    bool
	started   bool
	tickFns   []func(remaining time.Duration)
	tokenFns  []func(tok attendance.IssuedToken)

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewCountdown(opts CountdownOptions) *Countdown {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	c := &Countdown{
		refresh:     opts.Refresh,
		logger:      opts.Logger,
		autoRefresh: opts.AutoRefresh,
		interval:    opts.Interval,
		token:       opts.Token,
		done:        make(chan struct{}),
	}
	c.remaining = timeLeft(opts.Token)
	return c
}

// OnTick registers fn for every recomputed remaining duration.
// Listeners run on the ticking goroutine and must not block.
func (c *Countdown) OnTick(fn func(remaining time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickFns = append(c.tickFns, fn)
}

// OnToken registers fn for every adopted replacement token.
func (c *Countdown) OnToken(fn func(tok attendance.IssuedToken)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenFns = append(c.tokenFns, fn)
}

func (c *Countdown) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("agent: countdown already started")
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Countdown) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *Countdown) Token() attendance.IssuedToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Frozen reports whether the display sits at 00:00 awaiting a manual
// Refresh. Never true while auto-refresh is enabled.
func (c *Countdown) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Refresh rotates the token now, unfreezing a frozen display.
func (c *Countdown) Refresh(ctx context.Context) error {
	c.mu.Lock()
	prev := c.token.Value
	c.mu.Unlock()

	tok, err := c.refresh(ctx, prev)
	if err != nil {
		return errors.Wrap(err, "agent: refreshing session token")
	}
	c.adopt(tok)
	return nil
}

func (c *Countdown) run() {
	defer c.wg.Done()

	c.tick()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Countdown) tick() {
	c.mu.Lock()
	if c.frozen {
		c.mu.Unlock()
		return
	}
	left := timeLeft(c.token)
	// never climbs between rotations, even if the wall clock steps back
	if left > c.remaining {
		left = c.remaining
	}
	c.remaining = left
	expired := left == 0
	if expired && !c.autoRefresh {
		c.frozen = true
	}
	prev := c.token.Value
	auto := c.autoRefresh
	fns := append(([]func(time.Duration))(nil), c.tickFns...)
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeTick(fn, left)
	}

	if expired && auto {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tok, err := c.refresh(ctx, prev)
		cancel()
		if err != nil {
			// retried on the next tick
			c.logger.Warn(fmt.Sprintf("agent: token auto-refresh: %v", err))
			return
		}
		c.adopt(tok)
	}
}

func (c *Countdown) adopt(tok attendance.IssuedToken) {
	c.mu.Lock()
	c.token = tok
	c.remaining = timeLeft(tok)
	c.frozen = false
	left := c.remaining
	tickFns := append(([]func(time.Duration))(nil), c.tickFns...)
	tokenFns := append(([]func(attendance.IssuedToken))(nil), c.tokenFns...)
	c.mu.Unlock()

	for _, fn := range tokenFns {
		c.safeToken(fn, tok)
	}
	for _, fn := range tickFns {
		c.safeTick(fn, left)
	}
}

func (c *Countdown) safeTick(fn func(time.Duration), left time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Sprintf("agent: tick listener panic: %v", r))
		}
	}()
	fn(left)
}

func (c *Countdown) safeToken(fn func(attendance.IssuedToken), tok attendance.IssuedToken) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Sprintf("agent: token listener panic: %v", r))
		}
	}()
	fn(tok)
}

func timeLeft(tok attendance.IssuedToken) time.Duration {
	left := tok.ExpiresAt.Sub(NowFunc())
	if left < 0 {
		return 0
	}
	return left
}

// FormatRemaining renders a countdown as mm:ss, truncating to whole
// seconds the way clock displays do.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
