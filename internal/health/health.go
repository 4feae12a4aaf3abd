// Package health tracks the liveness of the service's backing dependencies
// and exposes them on the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	// StatusUp indicates that the component is healthy
	StatusUp Status = "up"
	// StatusDown indicates that the component is unhealthy
	StatusDown Status = "down"
	// StatusDegraded indicates that at least one component is unhealthy
	StatusDegraded Status = "degraded"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Component is the reported state of one dependency.
type Component struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Checker runs dependency probes on a fixed period.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	checks     map[string]CheckFunc
	updatedAt  time.Time
	period     time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewChecker creates a checker with a 30 second probe period.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		checks:     make(map[string]CheckFunc),
		period:     30 * time.Second,
		stop:       make(chan struct{}),
	}
}

// Register adds a dependency probe. Components start down until the first
// check passes.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &Component{Name: name, Status: StatusDown}
	c.checks[name] = check
}

// Start begins periodic probing in the background.
func (c *Checker) Start() {
	go func() {
		c.checkAll()

		ticker := time.NewTicker(c.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.checkAll()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts periodic probing.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Checker) checkAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	results := make(map[string]error, len(checks))
	var wg sync.WaitGroup
	var resultMu sync.Mutex
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			err := fn(ctx)
			resultMu.Lock()
			results[name] = err
			resultMu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatedAt = time.Now()
	for name, err := range results {
		component, ok := c.components[name]
		if !ok {
			continue
		}
		if err != nil {
			component.Status = StatusDown
			component.Error = err.Error()
		} else {
			component.Status = StatusUp
			component.Error = ""
		}
	}
}

// Components returns the state of every registered dependency.
func (c *Checker) Components() []Component {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Component, 0, len(c.components))
	for _, component := range c.components {
		out = append(out, *component)
	}
	return out
}

// Overall reduces the component states to one status. Any down dependency
// degrades the service; the realtime path itself keeps running.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return StatusUp
	}
	for _, component := range c.components {
		if component.Status == StatusDown {
			return StatusDegraded
		}
	}
	return StatusUp
}

// UpdatedAt returns the time of the last completed probe round.
func (c *Checker) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}
