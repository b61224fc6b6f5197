// Package backend decides which transport the notification layer runs on. It
// probes the durable transport at startup, falls back to the in-memory one
// when the probe fails, and keeps re-evaluating health in the background.
package backend

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ytget/ytdl-web/internal/transport"
)

// State of the selector
type State string

const (
	StateInactive State = "inactive" // running on the fallback, durable never engaged
	StateProbing  State = "probing"
	StateActive   State = "active"   // running on the durable transport
	StateDegraded State = "degraded" // durable engaged before but currently failing
)

const durableComponent = "durable_transport"

// Options configures a Selector
type Options struct {
	ProbeTimeout     time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	// MaxSwitchAttempts caps transport switches within SwitchCooldown
	MaxSwitchAttempts int
	SwitchCooldown    time.Duration
	// HealthyRatio is the share of healthy components IsHealthy requires
	HealthyRatio float64
	Now          func() time.Time
}

// Defaults
const (
	DefaultProbeTimeout      = 500 * time.Millisecond
	DefaultHealthInterval    = 60 * time.Second
	DefaultFailureThreshold  = 3
	DefaultMaxSwitchAttempts = 3
	DefaultSwitchCooldown    = 5 * time.Minute
	DefaultHealthyRatio      = 0.8
)

// CheckFunc reports a component's health
type CheckFunc func(ctx context.Context) error

type component struct {
	check     CheckFunc
	healthy   bool
	lastErr   string
	checkedAt time.Time
}

// ComponentStatus is one line of the health report
type ComponentStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report summarizes the selector for the health endpoint
type Report struct {
	State      State             `json:"state"`
	Backend    string            `json:"backend"`
	Engaged    bool              `json:"durable_engaged"`
	Failures   int               `json:"consecutive_failures"`
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
}

// Selector owns the durable and fallback transports and the switchable handle
// that everything else uses
type Selector struct {
	durable  transport.Transport
	fallback transport.Transport
	handle   *Switchable
	opts     Options

	mu         sync.Mutex
	state      State
	engaged    bool
	failures   int
	switches   []time.Time
	components map[string]*component
	onChange   []func(from, to State)
}

// NewSelector creates a selector. durable may be nil, in which case the
// fallback is used for good.
func NewSelector(durable transport.Transport, fallback transport.Transport, opts Options) *Selector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.MaxSwitchAttempts <= 0 {
		opts.MaxSwitchAttempts = DefaultMaxSwitchAttempts
	}
	if opts.SwitchCooldown <= 0 {
		opts.SwitchCooldown = DefaultSwitchCooldown
	}
	if opts.HealthyRatio <= 0 || opts.HealthyRatio > 1 {
		opts.HealthyRatio = DefaultHealthyRatio
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if fallback == nil {
		fallback = transport.NewMemory()
	}
	return &Selector{
		durable:    durable,
		fallback:   fallback,
		handle:     NewSwitchable(fallback),
		opts:       opts,
		state:      StateInactive,
		components: make(map[string]*component),
	}
}

// Transport returns the handle to pass to the router and stores
func (s *Selector) Transport() *Switchable {
	return s.handle
}

// OnStateChange registers fn to be called after every state change
func (s *Selector) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Register adds a component to the health aggregate
func (s *Selector) Register(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = &component{check: check, healthy: true}
}

// Start probes the durable transport within ProbeTimeout and commits to it
// when it answers, otherwise to the fallback
func (s *Selector) Start(ctx context.Context) State {
	if s.durable == nil {
		log.Printf("backend: no durable transport configured, using %s", s.fallback.Name())
		return s.State()
	}
	s.setState(StateProbing)

	err := s.ping(ctx)
	if err != nil {
		log.Printf("backend: durable transport probe failed, using %s: %v", s.fallback.Name(), err)
		s.setState(StateInactive)
		return StateInactive
	}

	if err := s.handle.Swap(ctx, s.durable); err != nil {
		log.Printf("backend: %v", err)
	}
	s.mu.Lock()
	s.engaged = true
	s.mu.Unlock()
	s.recordDurable(nil)
	s.setState(StateActive)
	log.Printf("backend: using %s", s.durable.Name())
	return StateActive
}

// Run re-evaluates health every HealthInterval until ctx is done
func (s *Selector) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs the component checks and one durable transport probe, then
// applies the state transitions:
// active -> degraded after FailureThreshold consecutive failures, moving to
// the fallback; degraded or inactive -> active when the durable transport
// answers again. Switches are limited to MaxSwitchAttempts per SwitchCooldown.
func (s *Selector) Check(ctx context.Context) {
	s.checkComponents(ctx)
	if s.durable == nil {
		return
	}

	err := s.ping(ctx)
	s.recordDurable(err)

	s.mu.Lock()
	state := s.state
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	failures := s.failures
	s.mu.Unlock()

	onDurable := s.handle.Current() == s.durable
	switch {
	case err != nil && onDurable:
		if state == StateActive && failures >= s.opts.FailureThreshold {
			log.Printf("backend: durable transport failed %d checks: %v", failures, err)
			s.setState(StateDegraded)
			s.switchTo(ctx, s.fallback)
		} else if state == StateDegraded {
			s.switchTo(ctx, s.fallback)
		}
	case err == nil && !onDurable:
		if s.switchTo(ctx, s.durable) {
			s.mu.Lock()
			s.engaged = true
			s.mu.Unlock()
			s.setState(StateActive)
		}
	case err == nil && state == StateDegraded:
		s.setState(StateActive)
	}
}

// switchTo swaps the handle onto tr if the switch budget allows it
func (s *Selector) switchTo(ctx context.Context, tr transport.Transport) bool {
	if s.handle.Current() == tr {
		return true
	}
	now := s.opts.Now()

	s.mu.Lock()
	s.switches = slices.DeleteFunc(s.switches, func(t time.Time) bool {
		return now.Sub(t) >= s.opts.SwitchCooldown
	})
	if len(s.switches) >= s.opts.MaxSwitchAttempts {
		s.mu.Unlock()
		log.Printf("backend: switch to %s suppressed, %d switches within %s", tr.Name(), s.opts.MaxSwitchAttempts, s.opts.SwitchCooldown)
		return false
	}
	s.switches = append(s.switches, now)
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout*4)
	defer cancel()
	if err := s.handle.Swap(opCtx, tr); err != nil {
		log.Printf("backend: %v", err)
	}
	return true
}

func (s *Selector) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	return s.durable.Ping(ctx)
}

func (s *Selector) recordDurable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engaged {
		return
	}
	c, ok := s.components[durableComponent]
	if !ok {
		c = &component{}
		s.components[durableComponent] = c
	}
	c.healthy = err == nil
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
	c.checkedAt = s.opts.Now()
}

func (s *Selector) checkComponents(ctx context.Context) {
	s.mu.Lock()
	checks := make(map[string]CheckFunc, len(s.components))
	for name, c := range s.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	s.mu.Unlock()

	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		err := check(cctx)
		cancel()

		s.mu.Lock()
		if c, ok := s.components[name]; ok {
			if c.healthy && err != nil {
				log.Printf("backend: component %s unhealthy: %v", name, err)
			}
			c.healthy = err == nil
			c.lastErr = ""
			if err != nil {
				c.lastErr = err.Error()
			}
			c.checkedAt = s.opts.Now()
		}
		s.mu.Unlock()
	}
}

// State returns the current state
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsHealthy reports whether at least HealthyRatio of the tracked components
// are healthy. Without an engaged durable transport the fallback is
// self-sufficient and the answer is always true.
func (s *Selector) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthyLocked()
}

func (s *Selector) healthyLocked() bool {
	if !s.engaged || len(s.components) == 0 {
		return true
	}
	healthy := 0
	for _, c := range s.components {
		if c.healthy {
			healthy++
		}
	}
	return float64(healthy)/float64(len(s.components)) >= s.opts.HealthyRatio
}

// Status returns a report of the selector and its components
func (s *Selector) Status() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		State:    s.state,
		Backend:  s.handle.Name(),
		Engaged:  s.engaged,
		Failures: s.failures,
		Healthy:  s.healthyLocked(),
	}
	for name, c := range s.components {
		r.Components = append(r.Components, ComponentStatus{
			Name:      name,
			Healthy:   c.healthy,
			Error:     c.lastErr,
			CheckedAt: c.checkedAt,
		})
	}
	slices.SortFunc(r.Components, func(a, b ComponentStatus) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return r
}

// Close closes the handle and both transports
func (s *Selector) Close() error {
	s.handle.Close()
	var err error
	if s.durable != nil {
		err = s.durable.Close()
	}
	if ferr := s.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}

func (s *Selector) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	log.Printf("backend: state %s -> %s", from, to)
	for _, fn := range callbacks {
		fn(from, to)
	}
}
