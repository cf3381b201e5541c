package server

import (
	"sort"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/config"
)

// Cards builds and serves the node's agent cards. The public card is
// what anonymous callers see at /.well-known/agent.json; the extended
// card adds skill examples and is only served to authenticated callers.
type Cards struct {
	public   *a2a.AgentCard
	extended *a2a.AgentCard
}

// NewCards derives both cards from the node configuration. Skills are
// collected from every configured worker in name order so the card is
// stable across restarts.
func NewCards(cfg *config.Config) *Cards {
	skills := collectSkills(cfg.Workers)

	authEnabled := cfg.Server.Auth.IsEnabled()

	base := a2a.AgentCard{
		Name:        cfg.Node.Name,
		Description: cfg.Node.Description,
		URL:         cfg.Node.URL,
		Version:     cfg.Node.Version,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: true,
			SynchronousCompletion:  false,
		},
		DefaultInputModes:                 []string{"text/plain"},
		DefaultOutputModes:                []string{"text/plain"},
		SupportsAuthenticatedExtendedCard: authEnabled,
	}
	if authEnabled {
		base.SecuritySchemes = map[string]a2a.SecurityScheme{
			"bearer": {
				Type:        "http",
				Scheme:      "bearer",
				Description: "JWT bearer token",
			},
		}
	}

	public := base
	public.Skills = stripExamples(skills)

	extended := base
	extended.Skills = skills

	return &Cards{public: &public, extended: &extended}
}

// Public returns the anonymous discovery card.
func (c *Cards) Public() *a2a.AgentCard { return c.public }

// ExtendedCard returns the authenticated card.
func (c *Cards) ExtendedCard() *a2a.AgentCard { return c.extended }

func collectSkills(workers map[string]*config.WorkerConfig) []a2a.AgentSkill {
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	var skills []a2a.AgentSkill
	for _, name := range names {
		w := workers[name]
		if len(w.Skills) == 0 {
			// A worker with no declared skills is still routable by its
			// name.
			skills = append(skills, a2a.AgentSkill{
				ID:          name,
				Name:        name,
				Description: w.Description,
			})
			continue
		}
		for _, s := range w.Skills {
			skills = append(skills, a2a.AgentSkill{
				ID:          s.ID,
				Name:        s.Name,
				Description: s.Description,
				Tags:        append([]string(nil), s.Tags...),
				Examples:    append([]string(nil), s.Examples...),
			})
		}
	}
	return skills
}

// stripExamples removes skill examples from the public card; they are
// reserved for the authenticated extended card.
func stripExamples(skills []a2a.AgentSkill) []a2a.AgentSkill {
	out := make([]a2a.AgentSkill, len(skills))
	for i, s := range skills {
		s.Examples = nil
		out[i] = s
	}
	return out
}
