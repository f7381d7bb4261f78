// Package policy decides, from gate_policy rows, which gates apply to a work unit.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"phaseline/internal/domain"
	"phaseline/internal/gate"
)

const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultFetchTimeout = 200 * time.Millisecond
)

// Source lists every gate policy row.
type Source interface {
	ListGatePolicies(ctx context.Context) ([]domain.GatePolicy, error)
}

// Scope identifies the work unit a gate list is resolved for.
type Scope struct {
	WorkUnitType      string
	ValidationProfile string
}

// Outcome is the effective gate list for a scope.
type Outcome struct {
	Gates []gate.Gate
	// FallbackUsed is set when policies could not be loaded and Gates is the
	// unfiltered input.
	FallbackUsed bool
	Err          error
	// Applied maps gate name to the applicability a matching policy imposed.
	Applied map[string]string
	Removed []string
}

type Options struct {
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Resolver caches policy rows for CacheTTL and never waits longer than
// FetchTimeout for them.
type Resolver struct {
	source  Source
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.RWMutex
	cached    []domain.GatePolicy
	fetchedAt time.Time
	valid     bool

	group singleflight.Group
}

func NewResolver(src Source, opts Options) *Resolver {
	r := &Resolver{
		source:  src,
		ttl:     opts.CacheTTL,
		timeout: opts.FetchTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if r.ttl < 0 {
		r.ttl = 0
	}
	if r.timeout <= 0 {
		r.timeout = DefaultFetchTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Invalidate drops the cached rows so the next Apply refetches.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.valid = false
	r.cached = nil
	r.mu.Unlock()
}

func (r *Resolver) fresh() ([]domain.GatePolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid || r.ttl == 0 || r.now().Sub(r.fetchedAt) >= r.ttl {
		return nil, false
	}
	return r.cached, true
}

// Policies returns the cached rows or fetches them, bounded by the fetch timeout.
func (r *Resolver) Policies(ctx context.Context) ([]domain.GatePolicy, error) {
	if ps, ok := r.fresh(); ok {
		return ps, nil
	}
	ch := r.group.DoChan("policies", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		ps, err := r.source.ListGatePolicies(fctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cached, r.fetchedAt, r.valid = ps, r.now(), true
		r.mu.Unlock()
		return ps, nil
	})
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.GatePolicy), nil
	case <-timer.C:
		return nil, fmt.Errorf("gate policy fetch timed out after %s", r.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Apply filters gates by policy. When policies are unavailable the input is
// returned unchanged with FallbackUsed set.
func (r *Resolver) Apply(ctx context.Context, gates []gate.Gate, scope Scope) Outcome {
	ps, err := r.Policies(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "gate policies unavailable, using declared gates", "error", err,
				"work_unit_type", scope.WorkUnitType)
		}
		return Outcome{Gates: append([]gate.Gate(nil), gates...), FallbackUsed: true, Err: err}
	}
	return Filter(ps, gates, scope)
}

// Filter applies already loaded policies to gates.
func Filter(ps []domain.GatePolicy, gates []gate.Gate, scope Scope) Outcome {
	out := Outcome{Gates: make([]gate.Gate, 0, len(gates)), Applied: map[string]string{}}
	for _, g := range gates {
		p, ok := Resolve(ps, g.Name, scope)
		if !ok {
			out.Gates = append(out.Gates, g)
			continue
		}
		out.Applied[g.Name] = p.Applicability
		switch p.Applicability {
		case domain.ApplicabilityDisabled:
			out.Removed = append(out.Removed, g.Name)
			continue
		case domain.ApplicabilityOptional:
			g.Optional = true
		case domain.ApplicabilityRequired:
			g.Optional = false
		}
		out.Gates = append(out.Gates, g)
	}
	return out
}

// Match levels, most specific first.
const (
	levelNone = iota
	levelGlobal
	levelProfile
	levelType
	levelExact
)

// Resolve picks the most specific policy for gateKey: type and profile, then
// type only, then profile only, then a policy scoped to neither.
func Resolve(ps []domain.GatePolicy, gateKey string, scope Scope) (domain.GatePolicy, bool) {
	var best domain.GatePolicy
	bestLevel := levelNone
	for _, p := range ps {
		if p.GateKey != gateKey {
			continue
		}
		lvl := matchLevel(p, scope)
		if lvl > bestLevel {
			best, bestLevel = p, lvl
		}
	}
	return best, bestLevel != levelNone
}

func matchLevel(p domain.GatePolicy, scope Scope) int {
	hasType := p.WorkUnitType != nil && *p.WorkUnitType != ""
	hasProfile := p.ValidationProfile != nil && *p.ValidationProfile != ""
	typeOK := hasType && *p.WorkUnitType == scope.WorkUnitType
	profileOK := hasProfile && scope.ValidationProfile != "" && *p.ValidationProfile == scope.ValidationProfile
	switch {
	case hasType && hasProfile:
		if typeOK && profileOK {
			return levelExact
		}
	case hasType:
		if typeOK {
			return levelType
		}
	case hasProfile:
		if profileOK {
			return levelProfile
		}
	default:
		return levelGlobal
	}
	return levelNone
}
