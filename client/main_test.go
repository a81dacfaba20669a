package client

import (
	"flag"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

// fakeClock records scheduled callbacks instead of running them.
type fakeClock struct {
	mu      sync.Mutex
	entries []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	stopped := t.stopped
	t.stopped = true
	return !stopped
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.entries = append(c.entries, t)
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.entries))
	for _, t := range c.entries {
		out = append(out, t.delay)
	}
	return out
}

func (c *fakeClock) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// fire runs the i-th scheduled callback on the calling goroutine.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.entries[i]
	c.mu.Unlock()
	t.f()
}
