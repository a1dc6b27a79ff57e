package agent_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/mahudhurio/agent"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) get() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRefresher struct {
	mu       sync.Mutex
	clk      *testClock
	ttl      time.Duration
	failures int // first n calls fail
	calls    int
	prevs    []string
}

func (f *fakeRefresher) refresh(_ context.Context, previous string) (attendance.IssuedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prevs = append(f.prevs, previous)
	if f.calls <= f.failures {
		return attendance.IssuedToken{}, errors.New("token service unavailable")
	}
	return attendance.IssuedToken{
		ID:        f.calls,
		SessionID: 1,
		Value:     fmt.Sprintf("tok-%d", f.calls),
		ExpiresAt: f.clk.get().Add(f.ttl),
		ExpiresIn: int(f.ttl / time.Second),
	}, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRefresher) previous() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prevs...)
}

func issued(clk *testClock, value string, ttl time.Duration) attendance.IssuedToken {
	return attendance.IssuedToken{
		ID:        1,
		SessionID: 1,
		Value:     value,
		ExpiresAt: clk.get().Add(ttl),
		ExpiresIn: int(ttl / time.Second),
	}
}

func Test_countdown_monotonicDisplay(t *testing.T) {
	clk := newTestClock()
	agent.NowFunc = clk.get
	t.Cleanup(func() { agent.NowFunc = time.Now })

	ref := &fakeRefresher{clk: clk, ttl: 2 * time.Minute}
	cd := agent.NewCountdown(agent.CountdownOptions{
		Token:       issued(clk, "tok-0", 2*time.Minute),
		Refresh:     ref.refresh,
		AutoRefresh: true,
		Logger:      testLogger,
		Interval:    10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = cd.Close() })

	assert.Equal(t, 2*time.Minute, cd.Remaining())
	assert.NoError(t, cd.Start())
	assert.Error(t, cd.Start(), "starting twice must fail")

	clk.advance(30 * time.Second)
	assert.Eventually(t, func() bool { return cd.Remaining() == 90*time.Second }, time.Second, 5*time.Millisecond)

	// a wall-clock step backwards must not grow the display
	clk.advance(-10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 90*time.Second, cd.Remaining())

	clk.advance(40 * time.Second)
	assert.Eventually(t, func() bool { return cd.Remaining() == time.Minute }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "01:00", agent.FormatRemaining(cd.Remaining()))
	assert.Zero(t, ref.callCount())
}

func Test_countdown_freezesWithoutAutoRefresh(t *testing.T) {
	clk := newTestClock()
	agent.NowFunc = clk.get
	t.Cleanup(func() { agent.NowFunc = time.Now })

	ref := &fakeRefresher{clk: clk, ttl: 2 * time.Minute}
	cd := agent.NewCountdown(agent.CountdownOptions{
		Token:    issued(clk, "tok-0", time.Minute),
		Refresh:  ref.refresh,
		Logger:   testLogger,
		Interval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = cd.Close() })

	toks := make(chan attendance.IssuedToken, 4)
	cd.OnToken(func(tok attendance.IssuedToken) { toks <- tok })

	assert.NoError(t, cd.Start())
	clk.advance(90 * time.Second) // well past expiry

	assert.Eventually(t, func() bool { return cd.Frozen() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Duration(0), cd.Remaining())
	assert.Equal(t, "00:00", agent.FormatRemaining(cd.Remaining()))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ref.callCount(), "a frozen display never rotates on its own")

	// a manual refresh resumes with the replacement token
	assert.NoError(t, cd.Refresh(context.Background()))
	assert.False(t, cd.Frozen())
	assert.Equal(t, 2*time.Minute, cd.Remaining())
	select {
	case tok := <-toks:
		assert.Equal(t, "tok-1", tok.Value)
	case <-time.After(time.Second):
		t.Fatal("token listener never called")
	}
	assert.Equal(t, []string{"tok-0"}, ref.previous())
}

func Test_countdown_autoRefreshAtZero(t *testing.T) {
	clk := newTestClock()
	agent.NowFunc = clk.get
	t.Cleanup(func() { agent.NowFunc = time.Now })

	ref := &fakeRefresher{clk: clk, ttl: 90 * time.Second, failures: 2}
	cd := agent.NewCountdown(agent.CountdownOptions{
		Token:       issued(clk, "tok-0", time.Minute),
		Refresh:     ref.refresh,
		AutoRefresh: true,
		Logger:      testLogger,
		Interval:    10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = cd.Close() })

	toks := make(chan attendance.IssuedToken, 4)
	cd.OnToken(func(tok attendance.IssuedToken) { toks <- tok })

	assert.NoError(t, cd.Start())
	clk.advance(time.Minute) // exactly at expiry

	select {
	case tok := <-toks:
		assert.Equal(t, "tok-3", tok.Value, "rotation retries each tick until the refresher recovers")
	case <-time.After(2 * time.Second):
		t.Fatal("token never rotated")
	}
	assert.False(t, cd.Frozen())
	assert.Equal(t, 3, ref.callCount())
	assert.Equal(t, "tok-0", ref.previous()[0])
	assert.Eventually(t, func() bool { return cd.Remaining() == 90*time.Second }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "01:30", agent.FormatRemaining(cd.Remaining()))
}

func Test_formatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{-5 * time.Second, "00:00"},
		{900 * time.Millisecond, "00:00"},
		{59 * time.Second, "00:59"},
		{time.Minute + time.Second, "01:01"},
		{2 * time.Minute, "02:00"},
		{61*time.Minute + time.Second, "61:01"},
	}
	for _, tt := range tests {
		if got := agent.FormatRemaining(tt.in); got != tt.want {
			t.Errorf("FormatRemaining(%s) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
