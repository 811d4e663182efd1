package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time and timer creation so subsystems never call
// time.NewTicker or time.AfterFunc directly. Every timer is registered under
// an owner name; DestroyAll can then assert that nothing is left scheduled,
// and tests can drive time deterministically.
type Clock interface {
	Now() time.Time
	NewTicker(owner string, d time.Duration) Ticker
	AfterFunc(owner string, d time.Duration, fn func()) Timer
	// ActiveTimers returns the owner names of timers still scheduled.
	ActiveTimers() []string
	// StopOwned stops every live timer belonging to owner.
	StopOwned(owner string)
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer is a single pending callback.
type Timer interface {
	Stop() bool
}

type registry struct {
	mu     sync.Mutex
	nextID int
	live   map[int]string // id -> owner
}

func (r *registry) add(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if r.live == nil {
		r.live = make(map[int]string)
	}
	r.live[id] = owner
	return id
}

func (r *registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

func (r *registry) owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.live))
	for _, owner := range r.live {
		names = append(names, owner)
	}
	sort.Strings(names)
	return names
}

func (r *registry) idsFor(owner string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for id, o := range r.live {
		if o == owner {
			ids = append(ids, id)
		}
	}
	return ids
}

// System is the wall-clock implementation.
type System struct {
	reg    registry
	mu     sync.Mutex
	timers map[int]func() // id -> stop func
}

// NewSystem creates a wall-clock backed Clock.
func NewSystem() *System {
	return &System{timers: make(map[int]func())}
}

func (s *System) Now() time.Time {
	return time.Now()
}

type systemTicker struct {
	ticker *time.Ticker
	stop   func()
	once   sync.Once
}

func (t *systemTicker) C() <-chan time.Time { return t.ticker.C }

func (t *systemTicker) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		t.stop()
	})
}

func (s *System) NewTicker(owner string, d time.Duration) Ticker {
	id := s.reg.add(owner)
	ticker := &systemTicker{ticker: time.NewTicker(d)}
	ticker.stop = func() {
		s.reg.remove(id)
		s.forget(id)
	}
	s.remember(id, ticker.Stop)
	return ticker
}

type systemTimer struct {
	timer *time.Timer
	stop  func()
	once  sync.Once
}

func (t *systemTimer) Stop() bool {
	stopped := t.timer.Stop()
	t.once.Do(t.stop)
	return stopped
}

func (s *System) AfterFunc(owner string, d time.Duration, fn func()) Timer {
	id := s.reg.add(owner)
	var t *systemTimer
	t = &systemTimer{
		timer: time.AfterFunc(d, func() {
			s.reg.remove(id)
			s.forget(id)
			fn()
		}),
	}
	t.stop = func() {
		s.reg.remove(id)
		s.forget(id)
	}
	s.remember(id, func() { t.Stop() })
	return t
}

func (s *System) remember(id int, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[id] = stop
}

func (s *System) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

func (s *System) ActiveTimers() []string {
	return s.reg.owners()
}

func (s *System) StopOwned(owner string) {
	for _, id := range s.reg.idsFor(owner) {
		s.mu.Lock()
		stop := s.timers[id]
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	}
}
