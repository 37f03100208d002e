package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fallback defaults.
const (
	DefaultFallbackThreshold = 3
	DefaultFallbackWindow    = 2 * time.Minute
)

// DefaultFallbackChain steps each tier down to the next cheaper one.
var DefaultFallbackChain = map[string]string{
	"gpt-4o":       "gpt-4o-mini",
	"gpt-4o-mini":  "gpt-4.1-mini",
	"gpt-4.1-mini": "gpt-4.1-nano",
}

// FallbackOptions configures a FallbackPolicy. Zero values use the defaults;
// a nil Chain uses DefaultFallbackChain.
type FallbackOptions struct {
	// Chain maps a tier to its cheaper fallback tier.
	Chain map[string]string
	// Threshold is the number of throttles within Window that degrades a tier.
	Threshold int
	// Window is the sliding window over which throttles are counted.
	Window time.Duration
}

// ParseFallbackChain parses "from:to,from:to" pairs.
func ParseFallbackChain(pairs []string) (map[string]string, error) {
	chain := make(map[string]string, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		from, to, ok := strings.Cut(p, ":")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("gateway: invalid fallback pair %q, want from:to", p)
		}
		if from == to {
			return nil, fmt.Errorf("gateway: tier %q cannot fall back to itself", from)
		}
		chain[from] = to
	}
	return chain, nil
}

// tierState is the throttle record for one tier.
type tierState struct {
	throttles []time.Time
	degraded  bool
}

// transition is a degraded/restored change, reported after the lock is
// released.
type transition struct {
	tier     string
	degraded bool
}

// FallbackPolicy decides, process-wide, which tier serves a request. A tier
// whose throttle count within the window reaches the threshold is degraded
// and requests move down its chain. A success on the tier resets its count;
// otherwise throttles age out of the window and the tier is restored.
type FallbackPolicy struct {
	mu    sync.Mutex
	tiers map[string]*tierState

	chain     map[string]string
	threshold int
	window    time.Duration

	now      func() time.Time
	onChange func(tier string, degraded bool)
}

// NewFallbackPolicy builds a policy from opts. onChange, when non-nil, is
// called outside the lock for every degraded/restored transition.
func NewFallbackPolicy(opts FallbackOptions, onChange func(tier string, degraded bool)) *FallbackPolicy {
	chain := opts.Chain
	if chain == nil {
		chain = DefaultFallbackChain
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultFallbackThreshold
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultFallbackWindow
	}

	return &FallbackPolicy{
		tiers:     make(map[string]*tierState),
		chain:     chain,
		threshold: threshold,
		window:    window,
		now:       time.Now,
		onChange:  onChange,
	}
}

// SelectTier returns the tier that should serve a request for requested.
// Degraded tiers are skipped down the chain until a healthy tier is found;
// if every reachable tier is degraded the last one is used. usedFallback is
// true when the result differs from requested.
func (p *FallbackPolicy) SelectTier(requested string) (effective string, usedFallback bool) {
	p.mu.Lock()
	now := p.now()
	var events []transition

	tier := requested
	visited := map[string]bool{tier: true}
	for {
		if ev, ok := p.refresh(tier, now); ok {
			events = append(events, ev)
		}
		st := p.tiers[tier]
		if st == nil || !st.degraded {
			break
		}
		next, ok := p.chain[tier]
		if !ok || visited[next] {
			break
		}
		visited[next] = true
		tier = next
	}
	p.mu.Unlock()

	p.notify(events)
	return tier, tier != requested
}

// RecordThrottle notes a throttle response from tier.
func (p *FallbackPolicy) RecordThrottle(tier string) {
	p.mu.Lock()
	now := p.now()
	var events []transition
	if ev, ok := p.refresh(tier, now); ok {
		events = append(events, ev)
	}

	st := p.state(tier)
	st.throttles = append(st.throttles, now)
	if !st.degraded && len(st.throttles) >= p.threshold {
		st.degraded = true
		events = append(events, transition{tier: tier, degraded: true})
	}
	p.mu.Unlock()

	p.notify(events)
}

// RecordSuccess resets the throttle count of tier, restoring it if degraded.
func (p *FallbackPolicy) RecordSuccess(tier string) {
	p.mu.Lock()
	st, ok := p.tiers[tier]
	if !ok {
		p.mu.Unlock()
		return
	}
	restored := st.degraded
	st.throttles = st.throttles[:0]
	st.degraded = false
	p.mu.Unlock()

	if restored {
		p.notify([]transition{{tier: tier, degraded: false}})
	}
}

// Throttles returns the live throttle count of tier.
func (p *FallbackPolicy) Throttles(tier string) int {
	p.mu.Lock()
	ev, changed := p.refresh(tier, p.now())
	n := 0
	if st, ok := p.tiers[tier]; ok {
		n = len(st.throttles)
	}
	p.mu.Unlock()

	if changed {
		p.notify([]transition{ev})
	}
	return n
}

// Degraded returns the currently degraded tiers, sorted.
func (p *FallbackPolicy) Degraded() []string {
	p.mu.Lock()
	now := p.now()
	var (
		events []transition
		out    []string
	)
	for tier := range p.tiers {
		if ev, ok := p.refresh(tier, now); ok {
			events = append(events, ev)
		}
		if p.tiers[tier].degraded {
			out = append(out, tier)
		}
	}
	p.mu.Unlock()

	p.notify(events)
	sort.Strings(out)
	return out
}

// refresh drops throttles older than the window and restores the tier when
// its count falls below the threshold. Callers hold p.mu.
func (p *FallbackPolicy) refresh(tier string, now time.Time) (transition, bool) {
	st, ok := p.tiers[tier]
	if !ok {
		return transition{}, false
	}

	cutoff := now.Add(-p.window)
	expired := 0
	for expired < len(st.throttles) && !st.throttles[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		st.throttles = append(st.throttles[:0], st.throttles[expired:]...)
	}

	if st.degraded && len(st.throttles) < p.threshold {
		st.degraded = false
		return transition{tier: tier, degraded: false}, true
	}
	return transition{}, false
}

func (p *FallbackPolicy) state(tier string) *tierState {
	st, ok := p.tiers[tier]
	if !ok {
		st = &tierState{}
		p.tiers[tier] = st
	}
	return st
}

func (p *FallbackPolicy) notify(events []transition) {
	if p.onChange == nil {
		return
	}
	for _, ev := range events {
		p.onChange(ev.tier, ev.degraded)
	}
}
