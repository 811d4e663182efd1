package schedule

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"hearth/internal/logging"
)

// Cron manages named time-based triggers on a minute-resolution cron
// scheduler. A job still running when its next slot arrives is skipped.
type Cron struct {
	cron   *cron.Cron
	logger logging.Logger

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopOnce sync.Once
}

// NewCron creates a stopped cron runner.
func NewCron(logger logging.Logger) *Cron {
	logger = logging.OrNop(logger)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	runner := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Cron{
		cron:     runner,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
	}
}

// Add registers fn under name with a cron spec ("MIN HOUR DOM MON DOW").
// Re-adding a name replaces the previous trigger.
func (c *Cron) Add(name, spec string, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entryIDs[name]; ok {
		c.cron.Remove(existing)
		delete(c.entryIDs, name)
	}

	id, err := c.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("register trigger %q: %w", name, err)
	}
	c.entryIDs[name] = id
	return nil
}

// Remove unregisters the named trigger. Unknown names are ignored.
func (c *Cron) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entryIDs[name]; ok {
		c.cron.Remove(id)
		delete(c.entryIDs, name)
	}
}

// Names returns the registered trigger names.
func (c *Cron) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entryIDs))
	for name := range c.entryIDs {
		names = append(names, name)
	}
	return names
}

// Start begins firing triggers.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts the scheduler and waits for running jobs. Safe to call twice.
func (c *Cron) Stop() {
	c.stopOnce.Do(func() {
		ctx := c.cron.Stop()
		<-ctx.Done()
		c.logger.Debug("cron runner stopped")
	})
}
