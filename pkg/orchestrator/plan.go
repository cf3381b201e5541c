// Package orchestrator is the coordinator worker: it turns one user
// request into a plan of steps, routes each step to a capable peer,
// fans the steps out in dependency order, and aggregates the outputs
// into one answer. It plugs into the task runtime as a regular worker.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Step is one unit of delegated work.
type Step struct {
	StepID      string   `json:"stepId"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	TargetSkill string   `json:"targetSkill"`

	// Required steps fail the whole task when they fail; optional steps
	// are noted and synthesis proceeds without them.
	Required bool `json:"required"`
}

// Plan is an ordered set of steps with dependencies.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Planner produces a plan from the user's request and the skills
// currently routable. The default is rule-based; the interface admits
// an LLM planner.
type Planner interface {
	Plan(ctx context.Context, input string, skills []string) (*Plan, error)
}

// Validate checks step id uniqueness, dependency references, dependency
// acyclicity, and that every target skill is routable.
func (p *Plan) Validate(knownSkill func(string) bool) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	byID := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.StepID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if _, dup := byID[s.StepID]; dup {
			return fmt.Errorf("duplicate step id %q", s.StepID)
		}
		if s.TargetSkill == "" {
			return fmt.Errorf("step %q has no target skill", s.StepID)
		}
		if knownSkill != nil && !knownSkill(s.TargetSkill) {
			return fmt.Errorf("step %q targets unknown skill %q", s.StepID, s.TargetSkill)
		}
		byID[s.StepID] = i
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.StepID, dep)
			}
			if dep == s.StepID {
				return fmt.Errorf("step %q depends on itself", s.StepID)
			}
		}
	}

	if _, err := p.Waves(); err != nil {
		return err
	}
	return nil
}

// Waves orders the steps into execution levels: every step in wave N
// depends only on steps in waves < N. A cycle is an error.
func (p *Plan) Waves() ([][]string, error) {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		indegree[s.StepID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}

	var waves [][]string
	placed := 0
	frontier := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if indegree[s.StepID] == 0 {
			frontier = append(frontier, s.StepID)
		}
	}

	for len(frontier) > 0 {
		sort.Strings(frontier)
		waves = append(waves, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if placed != len(p.Steps) {
		return nil, fmt.Errorf("plan has a dependency cycle")
	}
	return waves, nil
}

// step returns the step by id.
func (p *Plan) step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// RulePlanner maps request keywords to skills so the node runs without
// an LLM. Each routable skill whose keywords appear in the request
// becomes one independent step.
type RulePlanner struct {
	// Keywords per skill id. Missing skills fall back to matching the
	// skill id's words against the request.
	Keywords map[string][]string
}

// defaultKeywords covers the built-in demo skills.
var defaultKeywords = map[string][]string{
	"currency_exchange": {"currency", "convert", "exchange", "usd", "eur", "gbp", "jpy", "rate"},
	"time_lookup":       {"time", "clock", "timezone", "hour"},
	"echo":              {"echo", "repeat"},
}

// NewRulePlanner builds the default planner.
func NewRulePlanner() *RulePlanner {
	return &RulePlanner{Keywords: defaultKeywords}
}

// Plan derives one step per matched skill. Steps are independent; the
// executor may run them all in one wave.
func (p *RulePlanner) Plan(_ context.Context, input string, skills []string) (*Plan, error) {
	lowered := strings.ToLower(input)

	sorted := append([]string(nil), skills...)
	sort.Strings(sorted)

	plan := &Plan{}
	seq := 1
	for _, skill := range sorted {
		if !p.matches(lowered, skill) {
			continue
		}
		plan.Steps = append(plan.Steps, Step{
			StepID:      fmt.Sprintf("step-%d-%s", seq, skill),
			Description: input,
			TargetSkill: skill,
			Required:    true,
		})
		seq++
	}

	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("no routable skill matches the request")
	}
	return plan, nil
}

func (p *RulePlanner) matches(lowered, skill string) bool {
	keywords := p.Keywords[skill]
	if len(keywords) == 0 {
		// Fall back to the skill id's own words.
		keywords = strings.Split(strings.ReplaceAll(skill, "_", " "), " ")
	}
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
