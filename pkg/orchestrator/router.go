package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/config"
)

// errorRateDecay weights the recent past: each new sample moves the
// tracked rate 20% toward the outcome.
const errorRateDecay = 0.8

// Target is one routable destination.
type Target struct {
	Name   string
	URL    string
	Skills map[string]bool
}

// CardFetcher supplies peer skill discovery for targets without a
// skills override. The peer client satisfies it.
type CardFetcher interface {
	FetchAgentCard(ctx context.Context, baseURL string) (*a2a.AgentCard, error)
}

// Router assigns steps to peers. Selection prefers, in order: fewer
// in-flight dispatches, lower recent error rate, then a deterministic
// hash of the step id so equal candidates still split consistently.
type Router struct {
	inflight func(baseURL string) int64
	logger   *slog.Logger

	mu        sync.Mutex
	targets   []*Target
	errorRate map[string]float64
}

// NewRouter builds a router over the resolved targets. inflight is the
// peer client's live-dispatch counter; nil disables that tie-break.
func NewRouter(targets []*Target, inflight func(string) int64, logger *slog.Logger) *Router {
	if inflight == nil {
		inflight = func(string) int64 { return 0 }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		inflight:  inflight,
		logger:    logger,
		targets:   targets,
		errorRate: make(map[string]float64),
	}
}

// ResolveTargets builds router targets from the peers section. Peers
// with a skills override never hit the network; the rest are asked for
// their card, and unreachable peers are skipped with a warning so one
// dead peer doesn't block startup.
func ResolveTargets(ctx context.Context, peers []*config.PeerConfig, fetch CardFetcher, logger *slog.Logger) []*Target {
	if logger == nil {
		logger = slog.Default()
	}
	targets := make([]*Target, 0, len(peers))
	for _, p := range peers {
		skills := p.SkillsOverride
		if len(skills) == 0 && fetch != nil {
			card, err := fetch.FetchAgentCard(ctx, p.URL)
			if err != nil {
				logger.Warn("Peer card fetch failed, peer not routable yet",
					"peer", p.Name, "url", p.URL, "error", err)
				continue
			}
			for _, s := range card.Skills {
				skills = append(skills, s.ID)
			}
		}
		set := make(map[string]bool, len(skills))
		for _, s := range skills {
			set[s] = true
		}
		targets = append(targets, &Target{Name: p.Name, URL: p.URL, Skills: set})
	}
	return targets
}

// Skills returns every skill some target can serve.
func (r *Router) Skills() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range r.targets {
		for s := range t.Skills {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// KnownSkill reports whether any target serves the skill.
func (r *Router) KnownSkill(skill string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.Skills[skill] {
			return true
		}
	}
	return false
}

// Route picks the target for one step.
func (r *Router) Route(stepID, skill string) (*Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Target
	var bestLoad int64
	var bestRate float64
	var bestHash uint32

	for _, t := range r.targets {
		if !t.Skills[skill] {
			continue
		}
		load := r.inflight(t.URL)
		rate := r.errorRate[t.Name]
		hash := stepHash(stepID, t.Name)

		if best == nil ||
			load < bestLoad ||
			(load == bestLoad && rate < bestRate) ||
			(load == bestLoad && rate == bestRate && hash < bestHash) {
			best, bestLoad, bestRate, bestHash = t, load, rate, hash
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no peer serves skill %q", skill)
	}
	return best, nil
}

// ReportResult feeds the decaying error window after each dispatch.
func (r *Router) ReportResult(targetName string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sample := 0.0
	if failed {
		sample = 1.0
	}
	r.errorRate[targetName] = r.errorRate[targetName]*errorRateDecay + sample*(1-errorRateDecay)
}

func stepHash(stepID, targetName string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write([]byte(targetName))
	return h.Sum32()
}
