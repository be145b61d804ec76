// Package worker provides worker profiles, the registry, and task
// requirement analysis for routing.
package worker

import (
	"time"
)

// Capability is a tag describing what a worker can do.
type Capability string

const (
	CapCode          Capability = "code"
	CapResearch      Capability = "research"
	CapDocumentation Capability = "documentation"
	CapTesting       Capability = "testing"
	CapRefactoring   Capability = "refactoring"
	CapDebugging     Capability = "debugging"
	CapDesign        Capability = "design"
	CapReview        Capability = "review"
)

// ValidCapabilities returns the fixed capability enumeration.
func ValidCapabilities() []Capability {
	return []Capability{
		CapCode, CapResearch, CapDocumentation, CapTesting,
		CapRefactoring, CapDebugging, CapDesign, CapReview,
	}
}

// IsValidCapability returns true for a known capability.
func IsValidCapability(c Capability) bool {
	switch c {
	case CapCode, CapResearch, CapDocumentation, CapTesting,
		CapRefactoring, CapDebugging, CapDesign, CapReview:
		return true
	default:
		return false
	}
}

// Complexity is a task/worker complexity tier. Higher subsumes lower.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"
)

// Level returns the numeric rank of a tier for comparisons.
func (c Complexity) Level() int {
	switch c {
	case ComplexityTrivial:
		return 0
	case ComplexityLow:
		return 1
	case ComplexityMedium:
		return 2
	case ComplexityHigh:
		return 3
	case ComplexityCritical:
		return 4
	default:
		return -1
	}
}

// ParseComplexity returns the tier for a string, defaulting to medium.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexityTrivial, ComplexityLow, ComplexityMedium, ComplexityHigh, ComplexityCritical:
		return Complexity(s)
	default:
		return ComplexityMedium
	}
}

// State is a worker's pool state.
type State string

const (
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
	StateOffline  State = "offline"
)

// Profile holds the stable attributes and dynamic metrics of one worker.
// A profile is owned by exactly one pool; only the owning pool writes the
// dynamic fields, any component may read a copy.
type Profile struct {
	ID            string              `json:"id"`
	Model         string              `json:"model"`
	Capabilities  map[Capability]bool `json:"capabilities"`
	MaxComplexity Complexity          `json:"max_complexity"`
	MaxConcurrent int                 `json:"max_concurrent"`

	// Specialization boosts applied at registration from the model table.
	Specializations map[Capability]float64 `json:"specializations,omitempty"`

	// Dynamic metrics
	State            State         `json:"state"`
	ActiveTasks      int           `json:"active_tasks"`
	TotalCompleted   int           `json:"total_completed"`
	SuccessRate      float64       `json:"success_rate"`      // rolling, last N outcomes
	AvgDuration      time.Duration `json:"avg_duration"`      // EMA
	PerformanceScore float64       `json:"performance_score"` // multiplicative, clamped [0.5, 2.0]
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	ConsecutiveErrs  int           `json:"consecutive_errors"`
	IdleSince        time.Time     `json:"idle_since"`
}

// CurrentLoad is active tasks over capacity, in [0, 1].
func (p *Profile) CurrentLoad() float64 {
	if p.MaxConcurrent <= 0 {
		return 1.0
	}
	load := float64(p.ActiveTasks) / float64(p.MaxConcurrent)
	if load > 1 {
		return 1
	}
	return load
}

// IsAvailable reports whether the worker can take another task.
func (p *Profile) IsAvailable() bool {
	if p.State == StateFailed || p.State == StateOffline || p.State == StateStopping {
		return false
	}
	return p.ActiveTasks < p.MaxConcurrent
}

// HasCapabilities reports whether the worker covers every required capability.
func (p *Profile) HasCapabilities(required []Capability) bool {
	for _, c := range required {
		if !p.Capabilities[c] {
			return false
		}
	}
	return true
}

// CanHandle is the allocation gate: tier coverage, capability coverage,
// and availability must all hold.
func (p *Profile) CanHandle(req *Requirements) bool {
	if p.MaxComplexity.Level() < req.Complexity.Level() {
		return false
	}
	if !p.HasCapabilities(req.Capabilities) {
		return false
	}
	return p.IsAvailable()
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Capabilities = make(map[Capability]bool, len(p.Capabilities))
	for k, v := range p.Capabilities {
		c.Capabilities[k] = v
	}
	if p.Specializations != nil {
		c.Specializations = make(map[Capability]float64, len(p.Specializations))
		for k, v := range p.Specializations {
			c.Specializations[k] = v
		}
	}
	return &c
}
