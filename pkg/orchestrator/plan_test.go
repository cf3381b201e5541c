package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allSkills(string) bool { return true }

func TestPlanValidate(t *testing.T) {
	known := func(s string) bool { return s == "time_lookup" || s == "currency_exchange" }

	tests := []struct {
		name    string
		plan    *Plan
		wantErr string
	}{
		{
			name:    "empty plan",
			plan:    &Plan{},
			wantErr: "no steps",
		},
		{
			name: "missing id",
			plan: &Plan{Steps: []Step{
				{TargetSkill: "time_lookup"},
			}},
			wantErr: "has no id",
		},
		{
			name: "duplicate id",
			plan: &Plan{Steps: []Step{
				{StepID: "a", TargetSkill: "time_lookup"},
				{StepID: "a", TargetSkill: "time_lookup"},
			}},
			wantErr: "duplicate step id",
		},
		{
			name: "unknown skill",
			plan: &Plan{Steps: []Step{
				{StepID: "a", TargetSkill: "weather"},
			}},
			wantErr: `unknown skill "weather"`,
		},
		{
			name: "unknown dependency",
			plan: &Plan{Steps: []Step{
				{StepID: "a", TargetSkill: "time_lookup", DependsOn: []string{"ghost"}},
			}},
			wantErr: `unknown step "ghost"`,
		},
		{
			name: "self dependency",
			plan: &Plan{Steps: []Step{
				{StepID: "a", TargetSkill: "time_lookup", DependsOn: []string{"a"}},
			}},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			plan: &Plan{Steps: []Step{
				{StepID: "a", TargetSkill: "time_lookup", DependsOn: []string{"b"}},
				{StepID: "b", TargetSkill: "time_lookup", DependsOn: []string{"a"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "valid diamond",
			plan: &Plan{Steps: []Step{
				{StepID: "a", TargetSkill: "time_lookup"},
				{StepID: "b", TargetSkill: "currency_exchange", DependsOn: []string{"a"}},
				{StepID: "c", TargetSkill: "time_lookup", DependsOn: []string{"a"}},
				{StepID: "d", TargetSkill: "currency_exchange", DependsOn: []string{"b", "c"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate(known)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlanWavesDiamond(t *testing.T) {
	plan := &Plan{Steps: []Step{
		{StepID: "d", TargetSkill: "s", DependsOn: []string{"b", "c"}},
		{StepID: "c", TargetSkill: "s", DependsOn: []string{"a"}},
		{StepID: "b", TargetSkill: "s", DependsOn: []string{"a"}},
		{StepID: "a", TargetSkill: "s"},
	}}

	waves, err := plan.Waves()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, waves)
}

func TestPlanWavesIndependentStepsShareOneWave(t *testing.T) {
	plan := &Plan{Steps: []Step{
		{StepID: "z", TargetSkill: "s"},
		{StepID: "a", TargetSkill: "s"},
	}}

	waves, err := plan.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 1)
	// Frontier order is sorted, not plan order.
	assert.Equal(t, []string{"a", "z"}, waves[0])
}

func TestRulePlannerMatchesMultipleSkills(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(),
		"What time is it in Tokyo, and convert 100 USD to EUR?",
		[]string{"time_lookup", "currency_exchange"})
	require.NoError(t, err)
	require.NoError(t, plan.Validate(allSkills))

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "step-1-currency_exchange", plan.Steps[0].StepID)
	assert.Equal(t, "currency_exchange", plan.Steps[0].TargetSkill)
	assert.Equal(t, "step-2-time_lookup", plan.Steps[1].StepID)
	assert.True(t, plan.Steps[0].Required)
	assert.Equal(t, "What time is it in Tokyo, and convert 100 USD to EUR?", plan.Steps[0].Description)
}

func TestRulePlannerNoMatch(t *testing.T) {
	p := NewRulePlanner()
	_, err := p.Plan(context.Background(), "tell me a joke", []string{"currency_exchange"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no routable skill")
}

func TestRulePlannerFallsBackToSkillIDWords(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(),
		"what's the weather like?", []string{"weather_report"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "weather_report", plan.Steps[0].TargetSkill)
}

func TestRulePlannerIgnoresUnmatchedSkills(t *testing.T) {
	p := NewRulePlanner()
	plan, err := p.Plan(context.Background(),
		"what time is it?", []string{"time_lookup", "currency_exchange"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "time_lookup", plan.Steps[0].TargetSkill)
}
