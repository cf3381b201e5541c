package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

func TestSectionAggregatorSingleStepHasNoHeader(t *testing.T) {
	plan := &Plan{Steps: []Step{{StepID: "a", TargetSkill: "s"}}}
	parts := SectionAggregator{}.Aggregate(plan,
		map[string][]a2a.Part{"a": {a2a.NewTextPart("hello")}}, nil)

	require.Len(t, parts, 1)
	assert.Equal(t, "hello", parts[0].Text)
}

func TestSectionAggregatorPlanOrderAndNotes(t *testing.T) {
	plan := &Plan{Steps: []Step{
		{StepID: "first", TargetSkill: "s"},
		{StepID: "second", TargetSkill: "s"},
		{StepID: "third", TargetSkill: "s"},
	}}
	outputs := map[string][]a2a.Part{
		// Deliberately missing "second": it failed.
		"third": {a2a.NewTextPart("gamma")},
		"first": {a2a.NewTextPart("alpha")},
	}
	notes := map[string]string{"second": "peer unreachable"}

	parts := SectionAggregator{}.Aggregate(plan, outputs, notes)

	require.Len(t, parts, 1)
	assert.Equal(t,
		"## first\nalpha\n\n## second\n(skipped: peer unreachable)\n\n## third\ngamma",
		parts[0].Text)
}

func TestSectionAggregatorSkipsNonTextParts(t *testing.T) {
	plan := &Plan{Steps: []Step{{StepID: "a", TargetSkill: "s"}}}
	parts := SectionAggregator{}.Aggregate(plan, map[string][]a2a.Part{
		"a": {a2a.NewDataPart(map[string]any{"x": 1}), a2a.NewTextPart("text wins")},
	}, nil)

	require.Len(t, parts, 1)
	assert.Equal(t, "text wins", parts[0].Text)
}
