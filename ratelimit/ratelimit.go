package ratelimit

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Limit type labels reported on denials and in audit records.
const (
	LimitTypeClient = "client"
	LimitTypeTool   = "tool"
)

// Rule is a fixed-window budget. MaxDuration bounds cumulative execution
// time recorded in the window; zero means unmetered.
type Rule struct {
	Window      time.Duration `yaml:"window"`
	MaxCalls    int           `yaml:"max_calls"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// Config holds the rule set. PerTool entries override DefaultPerTool for the
// named tool; the per-client rule applies across all tools.
type Config struct {
	PerClient      Rule            `yaml:"per_client"`
	PerTool        map[string]Rule `yaml:"per_tool"`
	DefaultPerTool Rule            `yaml:"default_per_tool"`
}

// DefaultConfig returns a permissive baseline: 120 calls per client per
// minute, 60 calls per tool per minute.
func DefaultConfig() Config {
	return Config{
		PerClient:      Rule{Window: time.Minute, MaxCalls: 120},
		DefaultPerTool: Rule{Window: time.Minute, MaxCalls: 60},
	}
}

// LoadFile reads a rule set from a YAML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading rate limit config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing rate limit config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := c.PerClient.validate("per_client"); err != nil {
		return err
	}
	if err := c.DefaultPerTool.validate("default_per_tool"); err != nil {
		return err
	}
	for name, rule := range c.PerTool {
		if err := rule.validate("per_tool." + name); err != nil {
			return err
		}
	}
	return nil
}

func (r Rule) validate(name string) error {
	if r.MaxCalls < 0 {
		return fmt.Errorf("rate limit rule %s: max_calls must be >= 0", name)
	}
	if r.MaxCalls > 0 && r.Window <= 0 {
		return fmt.Errorf("rate limit rule %s: window must be positive", name)
	}
	return nil
}

func (r Rule) enabled() bool {
	return r.MaxCalls > 0 && r.Window > 0
}

// Decision is the outcome of a limit check. RetryAfter is the time until the
// exhausted window rolls over, rounded up to whole seconds; it is only set
// when Allowed is false.
type Decision struct {
	Allowed    bool
	LimitType  string
	RetryAfter time.Duration
}

type window struct {
	start    time.Time
	calls    int
	duration time.Duration
}

// Limiter tracks fixed-window usage per client and per client+tool. Check
// atomically reserves a call slot under both rules, so concurrent in-flight
// calls can never exceed MaxCalls within a window; a denied call reserves
// nothing. Record adds the observed execution time afterward.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter for the given rule set.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Limiter) toolRule(tool string) Rule {
	if rule, ok := l.cfg.PerTool[tool]; ok {
		return rule
	}
	return l.cfg.DefaultPerTool
}

func toolKey(clientID, tool string) string {
	return clientID + "|" + tool
}

// Check reports whether a call by clientID to tool fits both budgets and,
// when it does, reserves one call slot on each under a single lock: either
// both windows are charged or neither is. The per-client rule is evaluated
// first. Reserving at check time keeps concurrent in-flight calls from
// slipping past an exhausted budget before any of them completes.
func (l *Limiter) Check(clientID, tool string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	clientRule := l.cfg.PerClient
	toolRule := l.toolRule(tool)

	if d, ok := l.checkRuleLocked(clientID, clientRule, now); !ok {
		d.LimitType = LimitTypeClient
		l.logger.Debug("Rate limit exceeded",
			"limit_type", LimitTypeClient,
			"client_id", clientID,
			"retry_after_seconds", int(d.RetryAfter.Seconds()))
		return d
	}
	if d, ok := l.checkRuleLocked(toolKey(clientID, tool), toolRule, now); !ok {
		d.LimitType = LimitTypeTool
		l.logger.Debug("Rate limit exceeded",
			"limit_type", LimitTypeTool,
			"client_id", clientID,
			"tool", tool,
			"retry_after_seconds", int(d.RetryAfter.Seconds()))
		return d
	}

	// Both rules allow; commit the reservation.
	if clientRule.enabled() {
		l.windowLocked(clientID, clientRule, now).calls++
	}
	if toolRule.enabled() {
		l.windowLocked(toolKey(clientID, tool), toolRule, now).calls++
	}
	return Decision{Allowed: true}
}

func (l *Limiter) checkRuleLocked(key string, rule Rule, now time.Time) (Decision, bool) {
	if !rule.enabled() {
		return Decision{Allowed: true}, true
	}

	w := l.windowLocked(key, rule, now)
	exhausted := w.calls >= rule.MaxCalls ||
		(rule.MaxDuration > 0 && w.duration >= rule.MaxDuration)
	if !exhausted {
		return Decision{Allowed: true}, true
	}

	remaining := w.start.Add(rule.Window).Sub(now)
	retryAfter := remaining.Truncate(time.Second)
	if retryAfter < remaining {
		retryAfter += time.Second
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, false
}

// windowLocked returns the live window for key, rolling over if the current
// one has elapsed.
func (l *Limiter) windowLocked(key string, rule Rule, now time.Time) *window {
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rule.Window {
		w = &window{start: now.Truncate(rule.Window)}
		if now.Sub(w.start) >= rule.Window {
			w.start = now
		}
		l.windows[key] = w
	}
	return w
}

// Record adds the observed execution time of a completed call to both
// windows. The call slot itself was already reserved by Check; Record runs
// after every executed call, including ones that returned an error, so slow
// failures still count against duration budgets.
func (l *Limiter) Record(clientID, tool string, duration time.Duration) {
	if duration <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if rule := l.cfg.PerClient; rule.enabled() {
		l.windowLocked(clientID, rule, now).duration += duration
	}
	if rule := l.toolRule(tool); rule.enabled() {
		l.windowLocked(toolKey(clientID, tool), rule, now).duration += duration
	}
}

// Sweep drops windows that ended more than an hour ago. Stale windows are
// harmless for correctness; the sweep only bounds memory.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-time.Hour)
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}
