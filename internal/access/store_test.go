package access

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/doriancollier/relay/internal/schema"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access-rules.json")
	store, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, path
}

func TestCheckDefaultAllow(t *testing.T) {
	store, _ := newTestStore(t)
	decision := store.Check("relay.human.alice", "relay.agent.projA.backend")
	require.True(t, decision.Allowed)
	require.Nil(t, decision.MatchedRule)
}

func TestCheckFirstMatchWinsByPriority(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.**", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 1}))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.alice", To: "relay.agent.**", Action: schema.ActionAllow, Priority: 10}))

	decision := store.Check("relay.human.alice", "relay.agent.projA.backend")
	require.True(t, decision.Allowed)
	require.NotNil(t, decision.MatchedRule)
	require.Equal(t, 10, decision.MatchedRule.Priority)

	decision = store.Check("relay.human.mallory", "relay.agent.projA.backend")
	require.False(t, decision.Allowed)
	require.Equal(t, 1, decision.MatchedRule.Priority)
}

func TestCheckInsensitiveToInsertionOrder(t *testing.T) {
	ruleA := schema.AccessRule{From: "relay.human.**", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 1}
	ruleB := schema.AccessRule{From: "relay.human.alice", To: "relay.agent.**", Action: schema.ActionAllow, Priority: 10}

	storeAB, _ := newTestStore(t)
	require.NoError(t, storeAB.AddRule(ruleA))
	require.NoError(t, storeAB.AddRule(ruleB))

	storeBA, _ := newTestStore(t)
	require.NoError(t, storeBA.AddRule(ruleB))
	require.NoError(t, storeBA.AddRule(ruleA))

	for _, store := range []*Store{storeAB, storeBA} {
		require.True(t, store.Check("relay.human.alice", "relay.agent.x").Allowed)
		require.False(t, store.Check("relay.human.bob", "relay.agent.x").Allowed)
	}
}

func TestPriorityTieKeepsInsertionOrder(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.*", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 5}))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.*.alice", To: "relay.agent.**", Action: schema.ActionAllow, Priority: 5}))

	// Both rules match; the earlier-inserted deny must win at a true tie.
	decision := store.Check("relay.human.alice", "relay.agent.projA")
	require.False(t, decision.Allowed)
	require.Equal(t, schema.ActionDeny, decision.MatchedRule.Action)
}

func TestAddRuleIdenticalTripleReplaces(t *testing.T) {
	store, _ := newTestStore(t)
	rule := schema.AccessRule{From: "relay.human.*", To: "relay.agent.*", Action: schema.ActionDeny, Priority: 7}
	require.NoError(t, store.AddRule(rule))
	rule.Action = schema.ActionAllow
	require.NoError(t, store.AddRule(rule))

	rules := store.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, schema.ActionAllow, rules[0].Action)
}

func TestAddRuleRejectsInvalid(t *testing.T) {
	store, _ := newTestStore(t)
	require.Error(t, store.AddRule(schema.AccessRule{From: "", To: "relay.agent.*", Action: schema.ActionAllow}))
	require.Error(t, store.AddRule(schema.AccessRule{From: "relay.*", To: "relay.agent.*", Action: "block"}))
}

func TestRemoveRulePriorityAgnostic(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.AddRule(schema.AccessRule{From: "a.*", To: "b.*", Action: schema.ActionDeny, Priority: 3}))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "a.*", To: "b.*", Action: schema.ActionAllow, Priority: 9}))

	require.NoError(t, store.RemoveRule("a.*", "b.*"))
	require.Len(t, store.Rules(), 1)

	require.NoError(t, store.RemoveRule("a.*", "b.*"))
	require.Empty(t, store.Rules())

	require.Error(t, store.RemoveRule("a.*", "b.*"))
}

func TestRulesSnapshotPriorityDescending(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.AddRule(schema.AccessRule{From: "a.*", To: "b.*", Action: schema.ActionAllow, Priority: 1}))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "c.*", To: "d.*", Action: schema.ActionDeny, Priority: 10}))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "e.*", To: "f.*", Action: schema.ActionAllow, Priority: 5}))

	rules := store.Rules()
	require.Equal(t, []int{10, 5, 1}, []int{rules[0].Priority, rules[1].Priority, rules[2].Priority})
}

func TestMalformedRulesFileYieldsDefaultAllow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"`), 0o600))

	store, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.Empty(t, store.Rules())
	require.True(t, store.Check("anyone", "anywhere").Allowed)
}

func TestNonArrayRulesFileYieldsDefaultAllow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[]}`), 0o600))

	store, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	require.Empty(t, store.Rules())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	store, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.*", To: "relay.agent.*", Action: schema.ActionAllow, Priority: 10}))
	store.Close()

	reopened, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	rules := reopened.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, "relay.human.*", rules[0].From)
}

func TestHotReloadPicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	store, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	external := []schema.AccessRule{{From: "relay.human.*", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 50}}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.Eventually(t, func() bool {
		return len(store.Rules()) == 1
	}, 3*time.Second, 20*time.Millisecond, "external edit should hot-reload")
	require.False(t, store.Check("relay.human.alice", "relay.agent.x").Allowed)
}

func TestHotReloadFailureKeepsLastKnownGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	store, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.*", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 50}))
	require.NoError(t, os.WriteFile(path, []byte("{{{garbage"), 0o600))

	// The malformed external write must not wipe the in-memory rules.
	time.Sleep(400 * time.Millisecond)
	require.Len(t, store.Rules(), 1)
	require.False(t, store.Check("relay.human.alice", "relay.agent.x").Allowed)
}

func appliedReloads(s *Store) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func TestOwnWriteDoesNotTriggerReload(t *testing.T) {
	store, path := newTestStore(t)

	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.*", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 50}))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "relay.human.alice", To: "relay.agent.**", Action: schema.ActionAllow, Priority: 60}))

	// Give the debounce window plenty of time to elapse; the store's own
	// persists must be recognized by their recorded stat and skipped.
	time.Sleep(4 * reloadDebounce)
	require.Zero(t, appliedReloads(store), "own persist re-applied as an external edit")

	// Sanity check on the same store: the watch is alive and an external
	// edit does get applied.
	external := []schema.AccessRule{{From: "relay.human.**", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 5}}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.Eventually(t, func() bool {
		return appliedReloads(store) == 1
	}, 3*time.Second, 20*time.Millisecond, "external edit should reload exactly once")
	require.False(t, store.Check("relay.human.alice", "relay.agent.x").Allowed)
}

func TestPersistFailureKeepsRulesAndRetries(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	// The rules path sits under a regular file, so every persist fails.
	store, err := NewStore(filepath.Join(blocker, "access-rules.json"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	rule := schema.AccessRule{From: "relay.human.*", To: "relay.agent.**", Action: schema.ActionDeny, Priority: 50}
	require.NoError(t, store.AddRule(rule), "a failed persist must not fail the mutation")
	require.Len(t, store.Rules(), 1)
	require.False(t, store.Check("relay.human.alice", "relay.agent.x").Allowed)

	store.mu.Lock()
	dirty := store.dirty
	store.mu.Unlock()
	require.True(t, dirty, "failed persist should mark the store dirty")

	// Once the path becomes writable the next mutation persists everything.
	require.NoError(t, os.Remove(blocker))
	require.NoError(t, store.AddRule(schema.AccessRule{From: "a.*", To: "b.*", Action: schema.ActionAllow, Priority: 1}))

	store.mu.Lock()
	dirty = store.dirty
	store.mu.Unlock()
	require.False(t, dirty)

	data, err := os.ReadFile(filepath.Join(blocker, "access-rules.json"))
	require.NoError(t, err)
	var persisted []schema.AccessRule
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 2)
}

func TestCloseIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	store.Close()
	store.Close()
}
