package envelope

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chirino/chat-state-service/internal/metrics"
)

// DomainViolationError indicates ciphertext was found in a tier its
// encryption domain is not allowed to occupy. Never auto-repaired: silently
// rewriting misclassified ciphertext would mask the root cause.
type DomainViolationError struct {
	Tier     string // storage tier the ciphertext was found in
	Ref      string // entity reference for operator tooling
	Expected Domain
	Found    Domain
}

func (e *DomainViolationError) Error() string {
	return fmt.Sprintf("domain violation in %s (%s): expected %s ciphertext, found %s", e.Tier, e.Ref, e.Expected, e.Found)
}

// Violation is one recorded domain violation, kept for the diagnostic report.
type Violation struct {
	Tier       string    `json:"tier"`
	Ref        string    `json:"ref"`
	Expected   Domain    `json:"expected"`
	Found      Domain    `json:"found"`
	DetectedAt time.Time `json:"detectedAt"`
}

const maxRetainedViolations = 1000

// Guard validates ciphertext provenance before it crosses a tier boundary.
// Violations are counted and retained for the diagnostic report; the guard
// never mutates or re-encrypts the offending payload.
type Guard struct {
	mu         sync.Mutex
	violations []Violation
	total      int64
}

// NewGuard returns an empty Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// AssertDomain verifies that ciphertext carries the expected domain marker.
// On mismatch it records the violation, logs it as CRITICAL, and returns a
// *DomainViolationError. tier and ref identify where the payload was found.
func (g *Guard) AssertDomain(ciphertext []byte, expected Domain, tier, ref string) error {
	found := Classify(ciphertext)
	if found == expected {
		return nil
	}
	g.record(Violation{
		Tier:       tier,
		Ref:        ref,
		Expected:   expected,
		Found:      found,
		DetectedAt: time.Now(),
	})
	log.Error("CRITICAL: encryption domain violation",
		"tier", tier, "ref", ref, "expected", expected, "found", found)
	return &DomainViolationError{Tier: tier, Ref: ref, Expected: expected, Found: found}
}

func (g *Guard) record(v Violation) {
	metrics.DomainViolations.WithLabelValues(v.Tier).Inc()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total++
	if len(g.violations) < maxRetainedViolations {
		g.violations = append(g.violations, v)
	}
}

// ViolationCount returns the total number of violations detected since start.
func (g *Guard) ViolationCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Violations returns a snapshot of retained violations (oldest first,
// capped at maxRetainedViolations).
func (g *Guard) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}
