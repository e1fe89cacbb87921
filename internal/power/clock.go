package power

import (
	"context"
	"sync"
	"time"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// Clock is the time source of convergence loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SimulatedClock advances only when slept on. Sleep returns immediately.
type SimulatedClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimulatedClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

// Advance moves the clock forward without recording a sleep.
func (c *SimulatedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleeps returns every duration slept so far.
func (c *SimulatedClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Polling is a fixed-interval convergence budget.
type Polling struct {
	Interval time.Duration
	Timeout  time.Duration
}

var (
	// WakeOnLanPolling 唤醒后每 2 秒检查一次, 最多 20 秒
	WakeOnLanPolling = Polling{Interval: 2 * time.Second, Timeout: 20 * time.Second}
	// LibvirtPolling 虚拟机状态每秒检查一次, 最多 10 秒
	LibvirtPolling = Polling{Interval: time.Second, Timeout: 10 * time.Second}
)

// pollUntil re-reads the status every interval until it equals target or the
// budget is spent, and returns the last observation. The first read happens
// after one interval.
func pollUntil(ctx context.Context, clk Clock, p Polling, target, current domain.MachineStatus,
	read func(context.Context) (domain.MachineStatus, error)) (domain.MachineStatus, error) {
	deadline := clk.Now().Add(p.Timeout)
	for current != target && clk.Now().Before(deadline) {
		if err := clk.Sleep(ctx, p.Interval); err != nil {
			return current, err
		}
		st, err := read(ctx)
		if err != nil {
			return current, err
		}
		current = st
	}
	return current, nil
}
