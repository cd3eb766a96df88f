package kernel

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/cadreworks/cadre/internal/validation"
)

// BlueprintSchemaVersion is the blueprint schema this runtime accepts.
// Older blueprints within the same major version are admitted; newer
// ones are rejected.
const BlueprintSchemaVersion = "1.0.0"

// Blueprint size limits
const (
	TopRoleCount  = 3
	MinMidRoles   = 2
	MaxMidRoles   = 5
	MinBottomRole = 1
	MaxBottomRole = 50
)

// RoleSpec describes one agent role in a team blueprint. Layer-specific
// fields are validated per layer at admission.
type RoleSpec struct {
	Name         string   `yaml:"name" json:"name"`
	Role         string   `yaml:"role" json:"role"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// top layer
	Power              string   `yaml:"power,omitempty" json:"power,omitempty"`
	VoteWeight         float64  `yaml:"vote_weight,omitempty" json:"vote_weight,omitempty"`
	SignatureAuthority []string `yaml:"signature_authority,omitempty" json:"signature_authority,omitempty"`

	// mid layer
	Domain          string `yaml:"domain,omitempty" json:"domain,omitempty"`
	MaxSubordinates int    `yaml:"max_subordinates,omitempty" json:"max_subordinates,omitempty"`

	// bottom layer
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// runtime tuning
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	TimeoutMS  int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Blueprint describes a whole team: exactly three top roles, two to
// five mid roles with unique domains, and one to fifty bottom roles
type Blueprint struct {
	SchemaVersion string     `yaml:"schema_version" json:"schema_version"`
	Name          string     `yaml:"name" json:"name"`
	Top           []RoleSpec `yaml:"top" json:"top"`
	Mid           []RoleSpec `yaml:"mid" json:"mid"`
	Bottom        []RoleSpec `yaml:"bottom" json:"bottom"`
}

// LoadBlueprint reads and validates a blueprint from a YAML file
func LoadBlueprint(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path) // #nosec G304 Blueprint path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read blueprint: %w", err)
	}
	return ParseBlueprint(data)
}

// ParseBlueprint decodes and validates blueprint YAML
func ParseBlueprint(data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("failed to parse blueprint: %w", err)
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// Validate enforces the admission rules. Beyond per-layer shape checks
// it requires that every decision type can gather its signature
// threshold from the declared authorities; otherwise decisions of that
// type could never approve.
func (bp *Blueprint) Validate() error {
	if err := bp.checkSchemaVersion(); err != nil {
		return err
	}
	if len(bp.Top) != TopRoleCount {
		return fmt.Errorf("blueprint needs exactly %d top roles, got %d", TopRoleCount, len(bp.Top))
	}
	if len(bp.Mid) < MinMidRoles || len(bp.Mid) > MaxMidRoles {
		return fmt.Errorf("blueprint needs %d to %d mid roles, got %d", MinMidRoles, MaxMidRoles, len(bp.Mid))
	}
	if len(bp.Bottom) < MinBottomRole || len(bp.Bottom) > MaxBottomRole {
		return fmt.Errorf("blueprint needs %d to %d bottom roles, got %d", MinBottomRole, MaxBottomRole, len(bp.Bottom))
	}

	// Role names become agent ids, which end up in whiteboard paths and
	// store keys, so they must be identifier-shaped.
	names := make(map[string]struct{})
	checkName := func(name string) error {
		if name == "" {
			return fmt.Errorf("blueprint role missing name")
		}
		v := validation.NewValidator()
		v.Identifier("name", name)
		v.MaxLength("name", name, 64)
		if err := v.Err(); err != nil {
			return fmt.Errorf("invalid role name %q: %w", name, err)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("duplicate role name %q", name)
		}
		names[name] = struct{}{}
		return nil
	}

	authorityCount := make(map[DecisionType]int)
	powers := make(map[string]struct{})
	for _, spec := range bp.Top {
		if err := checkName(spec.Name); err != nil {
			return err
		}
		caps, err := parseCapabilities(spec.Capabilities)
		if err != nil {
			return fmt.Errorf("top role %q: %w", spec.Name, err)
		}
		if !hasCapability(caps, CapArbitrate) {
			return fmt.Errorf("top role %q must have the arbitrate capability", spec.Name)
		}
		if len(spec.SignatureAuthority) == 0 {
			return fmt.Errorf("top role %q must declare signature authority", spec.Name)
		}
		seen := make(map[DecisionType]struct{})
		for _, raw := range spec.SignatureAuthority {
			dt := DecisionType(raw)
			if !dt.Valid() {
				return fmt.Errorf("top role %q: unknown decision type %q", spec.Name, raw)
			}
			if _, dup := seen[dt]; dup {
				return fmt.Errorf("top role %q: decision type %q listed twice", spec.Name, raw)
			}
			seen[dt] = struct{}{}
			authorityCount[dt]++
		}
		if spec.Power != "" {
			if spec.Power != string(PowerA) && spec.Power != string(PowerB) && spec.Power != string(PowerC) {
				return fmt.Errorf("top role %q: unknown power %q", spec.Name, spec.Power)
			}
			if _, dup := powers[spec.Power]; dup {
				return fmt.Errorf("power %q assigned to more than one top role", spec.Power)
			}
			powers[spec.Power] = struct{}{}
		}
	}
	for _, dt := range DecisionTypes {
		if authorityCount[dt] < SignatureThreshold(dt) {
			return fmt.Errorf("decision type %q needs %d authorized signers, blueprint grants %d",
				dt, SignatureThreshold(dt), authorityCount[dt])
		}
	}

	domains := make(map[string]struct{})
	for _, spec := range bp.Mid {
		if err := checkName(spec.Name); err != nil {
			return err
		}
		caps, err := parseCapabilities(spec.Capabilities)
		if err != nil {
			return fmt.Errorf("mid role %q: %w", spec.Name, err)
		}
		if !hasCapability(caps, CapDelegate) {
			return fmt.Errorf("mid role %q must have the delegate capability", spec.Name)
		}
		if spec.Domain == "" {
			return fmt.Errorf("mid role %q must declare a domain", spec.Name)
		}
		if _, dup := domains[spec.Domain]; dup {
			return fmt.Errorf("mid domain %q declared twice", spec.Domain)
		}
		domains[spec.Domain] = struct{}{}
	}

	for _, spec := range bp.Bottom {
		if err := checkName(spec.Name); err != nil {
			return err
		}
		caps, err := parseCapabilities(spec.Capabilities)
		if err != nil {
			return fmt.Errorf("bottom role %q: %w", spec.Name, err)
		}
		if !hasCapability(caps, CapExecute) {
			return fmt.Errorf("bottom role %q must have the execute capability", spec.Name)
		}
		if len(spec.Tools) == 0 {
			return fmt.Errorf("bottom role %q must declare tools", spec.Name)
		}
	}
	return nil
}

// checkSchemaVersion admits blueprints whose schema version is at or
// below the supported version within the same major line. A missing
// version defaults to the current schema.
func (bp *Blueprint) checkSchemaVersion() error {
	if bp.SchemaVersion == "" {
		bp.SchemaVersion = BlueprintSchemaVersion
		return nil
	}

	declared, err := semver.NewVersion(bp.SchemaVersion)
	if err != nil {
		// Tolerate short major.minor versions
		declared, err = semver.NewVersion(bp.SchemaVersion + ".0")
		if err != nil {
			return fmt.Errorf("invalid blueprint schema version: %s", bp.SchemaVersion)
		}
	}
	supported := semver.MustParse(BlueprintSchemaVersion)

	if declared.GreaterThan(supported) {
		return fmt.Errorf("blueprint schema version %s is newer than supported version %s",
			bp.SchemaVersion, BlueprintSchemaVersion)
	}
	if declared.Major() != supported.Major() {
		return fmt.Errorf("no migration path from blueprint schema %s to %s",
			bp.SchemaVersion, BlueprintSchemaVersion)
	}
	return nil
}

// parseCapabilities converts and validates raw capability names
func parseCapabilities(raw []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c := Capability(r)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown capability %q", r)
		}
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("no capabilities declared")
	}
	return caps, nil
}

func hasCapability(caps []Capability, want Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// agentConfig folds the role's tuning over the defaults
func (spec RoleSpec) agentConfig() AgentConfig {
	cfg := DefaultAgentConfig()
	if spec.MaxRetries > 0 {
		cfg.MaxRetries = spec.MaxRetries
	}
	if spec.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	return cfg
}

// DefaultBlueprint returns a minimal valid team: three top roles whose
// signature authorities partition the decision types so that no single
// agent can approve everything, two coordinator domains, and a worker
// per domain.
func DefaultBlueprint() *Blueprint {
	return &Blueprint{
		SchemaVersion: BlueprintSchemaVersion,
		Name:          "cadre-default",
		Top: []RoleSpec{
			{
				Name: "chief-planner", Role: "strategic planning", Power: string(PowerA),
				Capabilities: []string{"plan", "review", "arbitrate"},
				SignatureAuthority: []string{
					string(DecisionTechnicalProposal),
					string(DecisionTaskAllocation),
					string(DecisionMilestoneConfirmation),
				},
			},
			{
				Name: "chief-reviewer", Role: "quality review", Power: string(PowerB),
				Capabilities: []string{"review", "reflect", "arbitrate"},
				SignatureAuthority: []string{
					string(DecisionTechnicalProposal),
					string(DecisionResourceAdjustment),
					string(DecisionMilestoneConfirmation),
				},
			},
			{
				Name: "chief-operations", Role: "operations", Power: string(PowerC),
				Capabilities: []string{"coordinate", "plan", "arbitrate"},
				SignatureAuthority: []string{
					string(DecisionTaskAllocation),
					string(DecisionResourceAdjustment),
					string(DecisionMilestoneConfirmation),
				},
			},
		},
		Mid: []RoleSpec{
			{
				Name: "research-coordinator", Role: "research coordination", Domain: "research",
				Capabilities: []string{"coordinate", "delegate", "plan"},
			},
			{
				Name: "delivery-coordinator", Role: "delivery coordination", Domain: "delivery",
				Capabilities: []string{"coordinate", "delegate", "plan"},
			},
		},
		Bottom: []RoleSpec{
			{
				Name: "research-worker-1", Role: "research execution",
				Capabilities: []string{"execute", "tool_call"},
				Tools:        []string{"search", "fetch"},
			},
			{
				Name: "delivery-worker-1", Role: "delivery execution",
				Capabilities: []string{"execute", "code_gen"},
				Tools:        []string{"editor", "test_runner"},
			},
		},
	}
}
