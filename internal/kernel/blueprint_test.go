package kernel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultBlueprintValid tests that the shipped default team passes
// its own admission rules.
func TestDefaultBlueprintValid(t *testing.T) {
	bp := DefaultBlueprint()
	require.NoError(t, bp.Validate())
	assert.Equal(t, "cadre-default", bp.Name)
	assert.Equal(t, BlueprintSchemaVersion, bp.SchemaVersion)
	assert.Len(t, bp.Top, 3)
	assert.Len(t, bp.Mid, 2)
	assert.Len(t, bp.Bottom, 2)
}

// TestBlueprintSchemaVersions tests admission across schema version
// skews.
func TestBlueprintSchemaVersions(t *testing.T) {
	cases := []struct {
		version string
		want    string
	}{
		{"", ""},
		{"1.0.0", ""},
		{"1.0", ""},
		{"0.9.0", "no migration path"},
		{"1.1.0", "newer than supported"},
		{"2.0.0", "newer than supported"},
		{"banana", "invalid blueprint schema version"},
	}
	for _, tc := range cases {
		bp := DefaultBlueprint()
		bp.SchemaVersion = tc.version
		err := bp.Validate()
		if tc.want == "" {
			assert.NoError(t, err, "version %q should be admitted", tc.version)
			continue
		}
		require.Error(t, err, "version %q should be refused", tc.version)
		assert.Contains(t, err.Error(), tc.want, "version %q", tc.version)
	}
	bp := DefaultBlueprint()
	bp.SchemaVersion = ""
	require.NoError(t, bp.Validate())
	assert.Equal(t, BlueprintSchemaVersion, bp.SchemaVersion, "missing version defaults")
}

// TestBlueprintShapeRules tests each admission rule with a single
// targeted mutation of the valid default.
func TestBlueprintShapeRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(bp *Blueprint)
		want   string
	}{
		{"two tops", func(bp *Blueprint) { bp.Top = bp.Top[:2] }, "exactly 3 top roles"},
		{"one mid", func(bp *Blueprint) { bp.Mid = bp.Mid[:1] }, "2 to 5 mid roles"},
		{"no bottoms", func(bp *Blueprint) { bp.Bottom = nil }, "1 to 50 bottom roles"},
		{"blank name", func(bp *Blueprint) { bp.Top[0].Name = "" }, "missing name"},
		{"duplicate name", func(bp *Blueprint) { bp.Mid[0].Name = bp.Top[0].Name }, "duplicate role name"},
		{"name with spaces", func(bp *Blueprint) { bp.Mid[0].Name = "review coordinator" }, "invalid role name"},
		{"name escaping into paths", func(bp *Blueprint) { bp.Bottom[0].Name = "../escape" }, "invalid role name"},
		{"name too long", func(bp *Blueprint) { bp.Bottom[0].Name = strings.Repeat("a", 65) }, "at most 64 characters"},
		{"unknown capability", func(bp *Blueprint) { bp.Top[0].Capabilities = []string{"arbitrate", "levitate"} }, "unknown capability"},
		{"top without arbitrate", func(bp *Blueprint) { bp.Top[0].Capabilities = []string{"plan", "review"} }, "must have the arbitrate capability"},
		{"top without authority", func(bp *Blueprint) { bp.Top[0].SignatureAuthority = nil }, "must declare signature authority"},
		{"unknown decision type", func(bp *Blueprint) { bp.Top[0].SignatureAuthority = append(bp.Top[0].SignatureAuthority, "coffee_break") }, "unknown decision type"},
		{"authority listed twice", func(bp *Blueprint) {
			bp.Top[0].SignatureAuthority = append(bp.Top[0].SignatureAuthority, string(DecisionTechnicalProposal))
		}, "listed twice"},
		{"unknown power", func(bp *Blueprint) { bp.Top[0].Power = "Z" }, "unknown power"},
		{"duplicate power", func(bp *Blueprint) { bp.Top[1].Power = bp.Top[0].Power }, "assigned to more than one top role"},
		{"threshold uncovered", func(bp *Blueprint) {
			bp.Top[0].SignatureAuthority = []string{
				string(DecisionTechnicalProposal),
				string(DecisionTaskAllocation),
			}
		}, "needs 3 authorized signers"},
		{"mid without delegate", func(bp *Blueprint) { bp.Mid[0].Capabilities = []string{"coordinate", "plan"} }, "must have the delegate capability"},
		{"mid without domain", func(bp *Blueprint) { bp.Mid[0].Domain = "" }, "must declare a domain"},
		{"duplicate domain", func(bp *Blueprint) { bp.Mid[1].Domain = bp.Mid[0].Domain }, "declared twice"},
		{"bottom without execute", func(bp *Blueprint) { bp.Bottom[0].Capabilities = []string{"tool_call"} }, "must have the execute capability"},
		{"bottom without tools", func(bp *Blueprint) { bp.Bottom[0].Tools = nil }, "must declare tools"},
	}
	for _, tc := range cases {
		bp := DefaultBlueprint()
		tc.mutate(bp)
		err := bp.Validate()
		require.Error(t, err, "case %s", tc.name)
		assert.Contains(t, err.Error(), tc.want, "case %s", tc.name)
	}
}

const blueprintYAML = `
schema_version: "1.0"
name: docs-team
top:
  - name: chief-planner
    role: strategic planning
    power: A
    vote_weight: 1.5
    capabilities: [plan, arbitrate]
    signature_authority: [technical_proposal, task_allocation, milestone_confirmation]
  - name: chief-reviewer
    role: quality review
    power: B
    capabilities: [review, arbitrate]
    signature_authority: [technical_proposal, resource_adjustment, milestone_confirmation]
  - name: chief-operations
    role: operations
    power: C
    capabilities: [coordinate, arbitrate]
    signature_authority: [task_allocation, resource_adjustment, milestone_confirmation]
mid:
  - name: writing-coordinator
    role: writing coordination
    domain: writing
    capabilities: [delegate, coordinate]
    max_subordinates: 4
  - name: review-coordinator
    role: review coordination
    domain: review
    capabilities: [delegate, coordinate]
bottom:
  - name: writing-worker-1
    role: drafting
    capabilities: [execute, tool_call]
    tools: [editor]
    max_retries: 7
    timeout_ms: 1500
`

// TestParseBlueprint tests YAML decoding plus validation in one pass.
func TestParseBlueprint(t *testing.T) {
	bp, err := ParseBlueprint([]byte(blueprintYAML))
	require.NoError(t, err)
	assert.Equal(t, "docs-team", bp.Name)
	assert.Equal(t, "1.0", bp.SchemaVersion)
	assert.Equal(t, 1.5, bp.Top[0].VoteWeight)
	assert.Equal(t, "writing", bp.Mid[0].Domain)
	assert.Equal(t, 4, bp.Mid[0].MaxSubordinates)
	assert.Equal(t, []string{"editor"}, bp.Bottom[0].Tools)

	_, err = ParseBlueprint([]byte("top: [this is not\n  a mapping"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse blueprint")

	_, err = ParseBlueprint([]byte("name: empty-team\n"))
	require.Error(t, err, "decoded but invalid blueprints are refused")
}

// TestLoadBlueprint tests the file loading path.
func TestLoadBlueprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "team.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blueprintYAML), 0o600))

	bp, err := LoadBlueprint(path)
	require.NoError(t, err)
	assert.Equal(t, "docs-team", bp.Name)

	_, err = LoadBlueprint(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read blueprint")
}

// TestRoleSpecTuning tests that per-role tuning overrides the agent
// defaults only when set.
func TestRoleSpecTuning(t *testing.T) {
	plain := RoleSpec{Name: "worker"}
	cfg := plain.agentConfig()
	assert.Equal(t, DefaultAgentConfig(), cfg)

	tuned := RoleSpec{Name: "worker", MaxRetries: 7, TimeoutMS: 1500}
	cfg = tuned.agentConfig()
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
}
