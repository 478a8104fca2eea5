package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeAssignsIdentity(t *testing.T) {
	budget := NewBudget(time.Now().Add(time.Minute), 10)
	env := NewEnvelope("relay.agent.projA.backend", "relay.human.alice", budget, "hello")

	require.NotEmpty(t, env.ID)
	require.False(t, env.CreatedAt.IsZero())
	require.NoError(t, env.Validate())
}

func TestEnvelopeValidateRejectsBadSubjects(t *testing.T) {
	budget := NewBudget(time.Now().Add(time.Minute), 10)
	cases := map[string]string{
		"empty":         "",
		"blank":         "   ",
		"empty segment": "relay..agent",
		"trailing dot":  "relay.agent.",
		"leading dot":   ".relay.agent",
	}
	for name, subject := range cases {
		t.Run(name, func(t *testing.T) {
			env := NewEnvelope(subject, "relay.human.alice", budget, nil)
			require.Error(t, env.Validate())
		})
	}
}

func TestEnvelopeValidateRequiresSender(t *testing.T) {
	env := NewEnvelope("relay.agent.a", "", NewBudget(time.Now().Add(time.Minute), 1), nil)
	require.Error(t, env.Validate())
}

func TestBudgetCloneDoesNotAliasChain(t *testing.T) {
	budget := NewBudget(time.Now().Add(time.Minute), 3)
	budget.AncestorChain = []string{"relay.a", "relay.b"}

	clone := budget.Clone()
	clone.AncestorChain[0] = "relay.mutated"

	require.Equal(t, "relay.a", budget.AncestorChain[0])
}

func TestBudgetInChain(t *testing.T) {
	budget := Budget{AncestorChain: []string{"relay.a", "relay.b"}}
	require.True(t, budget.InChain("relay.b"))
	require.False(t, budget.InChain("relay.c"))
}

func TestEffectiveMaxHopsDefaults(t *testing.T) {
	require.Equal(t, DefaultMaxHops, Budget{}.EffectiveMaxHops())
	require.Equal(t, 9, Budget{MaxHops: 9}.EffectiveMaxHops())
}

func TestEnvelopeCloneIndependentBudget(t *testing.T) {
	env := NewEnvelope("relay.agent.a", "relay.human.bob", NewBudget(time.Now().Add(time.Minute), 2), "payload")
	env.Budget.AncestorChain = []string{"relay.src"}

	clone := env.Clone()
	clone.Budget.AncestorChain[0] = "relay.other"
	clone.Budget.HopCount = 3

	require.Equal(t, "relay.src", env.Budget.AncestorChain[0])
	require.Zero(t, env.Budget.HopCount)
}

func TestAdapterConfigIsEnabled(t *testing.T) {
	enabled := true
	disabled := false
	require.True(t, AdapterConfig{}.IsEnabled())
	require.True(t, AdapterConfig{Enabled: &enabled}.IsEnabled())
	require.False(t, AdapterConfig{Enabled: &disabled}.IsEnabled())
}

func TestAccessRuleNormalizeAndValid(t *testing.T) {
	rule := AccessRule{From: " relay.human.* ", To: " relay.agent.** ", Action: "ALLOW", Priority: 5}
	normalized := rule.Normalize()
	require.Equal(t, "relay.human.*", normalized.From)
	require.Equal(t, "relay.agent.**", normalized.To)
	require.Equal(t, ActionAllow, normalized.Action)
	require.True(t, normalized.Valid())

	require.False(t, AccessRule{From: "a", To: "", Action: ActionDeny}.Valid())
	require.False(t, AccessRule{From: "a", To: "b", Action: "block"}.Valid())
}
