package clock

import (
	"sync"
	"time"
)

// Manual is a test clock. Time only moves when Advance is called; pending
// AfterFuncs fire synchronously during Advance, tickers deliver one tick per
// elapsed period (coalesced to the channel buffer).
type Manual struct {
	reg registry

	mu      sync.Mutex
	now     time.Time
	tickers map[int]*manualTicker
	timers  map[int]*manualTimer
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		tickers: make(map[int]*manualTicker),
		timers:  make(map[int]*manualTimer),
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set jumps the clock to t without firing anything scheduled in between.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves time forward, firing due timers and ticking due tickers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)

	var due []*manualTimer
	for id, t := range m.timers {
		if !t.when.After(target) {
			due = append(due, t)
			m.reg.remove(id)
			delete(m.timers, id)
		}
	}

	for _, t := range m.tickers {
		for !t.next.After(target) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}

	m.now = target
	m.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type manualTicker struct {
	ch     chan time.Time
	period time.Duration
	next   time.Time
	stop   func()
	once   sync.Once
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.once.Do(t.stop) }

func (m *Manual) NewTicker(owner string, d time.Duration) Ticker {
	id := m.reg.add(owner)

	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   m.now.Add(d),
	}
	t.stop = func() {
		m.reg.remove(id)
		m.mu.Lock()
		delete(m.tickers, id)
		m.mu.Unlock()
	}
	m.tickers[id] = t
	return t
}

type manualTimer struct {
	when    time.Time
	fn      func()
	stop    func() bool
	stopped bool
}

func (t *manualTimer) Stop() bool { return t.stop() }

func (m *Manual) AfterFunc(owner string, d time.Duration, fn func()) Timer {
	id := m.reg.add(owner)

	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{when: m.now.Add(d), fn: fn}
	t.stop = func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		if _, live := m.timers[id]; !live {
			return false
		}
		delete(m.timers, id)
		m.reg.remove(id)
		return true
	}
	m.timers[id] = t
	return t
}

func (m *Manual) ActiveTimers() []string {
	return m.reg.owners()
}

func (m *Manual) StopOwned(owner string) {
	for _, id := range m.reg.idsFor(owner) {
		m.mu.Lock()
		ticker := m.tickers[id]
		timer := m.timers[id]
		m.mu.Unlock()
		if ticker != nil {
			ticker.Stop()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
