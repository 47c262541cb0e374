// Package shield evaluates runtime events against a threat feed and decides
// whether to block them, hold them for owner approval, or just log them.
package shield

import "time"

// Category classifies what a threat is about.
type Category string

const (
	CategoryPrompt        Category = "prompt"
	CategoryTool          Category = "tool"
	CategoryMCP           Category = "mcp"
	CategoryMemory        Category = "memory"
	CategorySupplyChain   Category = "supply_chain"
	CategoryVulnerability Category = "vulnerability"
	CategoryFraud         Category = "fraud"
	CategoryPolicyBypass  Category = "policy_bypass"
	CategoryAnomaly       Category = "anomaly"
	CategorySkill         Category = "skill"
	CategoryOther         Category = "other"
)

// ValidCategory reports whether c is a known threat category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryPrompt, CategoryTool, CategoryMCP, CategoryMemory,
		CategorySupplyChain, CategoryVulnerability, CategoryFraud,
		CategoryPolicyBypass, CategoryAnomaly, CategorySkill, CategoryOther:
		return true
	}
	return false
}

// Severity grades how bad a threat is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight maps a severity to a numeric factor for decision ranking.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.25
	default:
		return 0.1
	}
}

// Action is what the shield does about a matched threat.
type Action string

const (
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
	ActionLog             Action = "log"
)

// priority ranks actions for decision combination.
func (a Action) priority() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRequireApproval:
		return 2
	case ActionLog:
		return 1
	default:
		return 0
	}
}

// ThreatEntry is one entry from the threat feed.
type ThreatEntry struct {
	ID                  string     `yaml:"id"`
	Fingerprint         string     `yaml:"fingerprint"`
	Category            Category   `yaml:"category"`
	Severity            Severity   `yaml:"severity"`
	Confidence          float64    `yaml:"confidence"`
	Action              Action     `yaml:"action"`
	Title               string     `yaml:"title"`
	Description         string     `yaml:"description"`
	RecommendationAgent string     `yaml:"recommendation_agent"`
	Revoked             bool       `yaml:"revoked"`
	ExpiresAt           *time.Time `yaml:"expires_at"`

	// directives are compiled from RecommendationAgent at parse time.
	directives []*Directive
}

// Directives returns the compiled directives of this entry.
func (t *ThreatEntry) Directives() []*Directive {
	return t.directives
}

// Scope identifies the kind of runtime event being checked.
type Scope string

const (
	ScopePrompt        Scope = "prompt"
	ScopeSkillInstall  Scope = "skill.install"
	ScopeSkillExecute  Scope = "skill.execute"
	ScopeToolCall      Scope = "tool.call"
	ScopeNetworkEgress Scope = "network.egress"
	ScopeSecretsRead   Scope = "secrets.read"
	ScopeMCP           Scope = "mcp"
)

// scopeCategories is the compatibility table: only threats in these
// categories are consulted for an event of the given scope.
var scopeCategories = map[Scope][]Category{
	ScopePrompt:        {CategoryPrompt, CategoryFraud, CategoryAnomaly, CategoryOther},
	ScopeSkillInstall:  {CategorySkill, CategorySupplyChain, CategoryVulnerability, CategoryOther},
	ScopeSkillExecute:  {CategorySkill, CategoryTool, CategoryPolicyBypass, CategoryOther},
	ScopeToolCall:      {CategoryTool, CategoryMemory, CategoryPolicyBypass, CategoryAnomaly, CategoryOther},
	ScopeNetworkEgress: {CategorySupplyChain, CategoryFraud, CategoryAnomaly, CategoryOther},
	ScopeSecretsRead:   {CategoryTool, CategoryPolicyBypass, CategoryVulnerability, CategoryOther},
	ScopeMCP:           {CategoryMCP, CategorySupplyChain, CategoryTool, CategoryOther},
}

// CompatibleWith reports whether threats of category c apply to scope s.
func (s Scope) CompatibleWith(c Category) bool {
	for _, allowed := range scopeCategories[s] {
		if allowed == c {
			return true
		}
	}
	return false
}

// Event is a runtime occurrence submitted for evaluation.
// Only the fields relevant to the scope need to be set.
type Event struct {
	Scope     Scope  `json:"scope"`
	Principal string `json:"principal"`

	ToolName       string  `json:"tool_name,omitempty"`
	Arguments      string  `json:"arguments,omitempty"` // raw JSON
	SkillName      string  `json:"skill_name,omitempty"`
	PackageName    string  `json:"package_name,omitempty"`
	Domain         string  `json:"domain,omitempty"`
	SecretPath     string  `json:"secret_path,omitempty"`
	FilePath       string  `json:"file_path,omitempty"`
	Message        string  `json:"message,omitempty"`
	Importance     float64 `json:"importance,omitempty"`
	ChainDepth     int     `json:"chain_depth,omitempty"`
	ToolIterations int     `json:"tool_iterations,omitempty"`
}

// Decision is the outcome of evaluating an event.
// A zero ThreatID means nothing matched and the decision is a no-op log.
type Decision struct {
	Action     Action   `json:"action"`
	ThreatID   string   `json:"threat_id,omitempty"`
	Title      string   `json:"title,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Severity   Severity `json:"severity,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// Blocks reports whether the event must not proceed.
func (d Decision) Blocks() bool {
	return d.Action == ActionBlock
}

// NeedsApproval reports whether the event must wait for the owner.
func (d Decision) NeedsApproval() bool {
	return d.Action == ActionRequireApproval
}

// score ranks a decision within the same action priority.
func (d Decision) score() float64 {
	return d.Severity.Weight() * d.Confidence
}
