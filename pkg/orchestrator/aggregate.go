package orchestrator

import (
	"fmt"
	"strings"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// Aggregator synthesizes the final answer from step outputs. Outputs
// are always read in plan order regardless of completion order, so the
// result is deterministic. The interface admits an LLM synthesizer.
type Aggregator interface {
	Aggregate(plan *Plan, outputs map[string][]a2a.Part, notes map[string]string) []a2a.Part
}

// SectionAggregator concatenates one titled section per step.
type SectionAggregator struct{}

// Aggregate renders completed steps as sections and failed optional
// steps as notes, in plan order.
func (SectionAggregator) Aggregate(plan *Plan, outputs map[string][]a2a.Part, notes map[string]string) []a2a.Part {
	var b strings.Builder
	for _, s := range plan.Steps {
		if parts, ok := outputs[s.StepID]; ok {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			if len(plan.Steps) > 1 {
				fmt.Fprintf(&b, "## %s\n", s.StepID)
			}
			b.WriteString(partsText(parts))
			continue
		}
		if note, ok := notes[s.StepID]; ok {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\n(skipped: %s)", s.StepID, note)
		}
	}
	return []a2a.Part{a2a.NewTextPart(b.String())}
}

func partsText(parts []a2a.Part) string {
	var chunks []string
	for _, p := range parts {
		if p.Kind == a2a.PartKindText && p.Text != "" {
			chunks = append(chunks, p.Text)
		}
	}
	return strings.Join(chunks, "\n")
}
