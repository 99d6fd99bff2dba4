package module

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionViolation is one unsatisfied module requirement.
type VersionViolation struct {
	Module   string `json:"module"`
	Required string `json:"required"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason"`
}

// CompatibilityReport is the outcome of checking a plan's
// module_requirements against the loaded module versions.
type CompatibilityReport struct {
	Compatible bool               `json:"compatible"`
	Violations []VersionViolation `json:"violations,omitempty"`
}

// VersionError rejects a plan at entry when requirements are unmet.
type VersionError struct {
	Report CompatibilityReport
}

func (e *VersionError) Error() string {
	parts := make([]string, 0, len(e.Report.Violations))
	for _, v := range e.Report.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Module, v.Reason))
	}
	return "module version requirements unmet: " + strings.Join(parts, "; ")
}

func (e *VersionError) Class() string { return "version_requirement_unmet" }

// VersionChecker evaluates semver constraints against loaded versions.
type VersionChecker struct {
	registry *Registry
}

// NewVersionChecker binds a checker to the registry.
func NewVersionChecker(r *Registry) *VersionChecker {
	return &VersionChecker{registry: r}
}

// Check evaluates the requirement map without raising.
func (c *VersionChecker) Check(requirements map[string]string) CompatibilityReport {
	report := CompatibilityReport{Compatible: true}
	if len(requirements) == 0 {
		return report
	}
	versions := c.registry.Versions()
	for moduleID, constraint := range requirements {
		actual, loaded := versions[moduleID]
		if !loaded {
			report.Violations = append(report.Violations, VersionViolation{
				Module:   moduleID,
				Required: constraint,
				Reason:   "module is not loaded",
			})
			continue
		}
		cons, err := semver.NewConstraint(constraint)
		if err != nil {
			report.Violations = append(report.Violations, VersionViolation{
				Module:   moduleID,
				Required: constraint,
				Actual:   actual,
				Reason:   fmt.Sprintf("invalid version constraint %q", constraint),
			})
			continue
		}
		ver, err := semver.NewVersion(actual)
		if err != nil {
			report.Violations = append(report.Violations, VersionViolation{
				Module:   moduleID,
				Required: constraint,
				Actual:   actual,
				Reason:   fmt.Sprintf("module reports non-semver version %q", actual),
			})
			continue
		}
		if !cons.Check(ver) {
			report.Violations = append(report.Violations, VersionViolation{
				Module:   moduleID,
				Required: constraint,
				Actual:   actual,
				Reason:   fmt.Sprintf("version %s does not satisfy %s", actual, constraint),
			})
		}
	}
	report.Compatible = len(report.Violations) == 0
	return report
}

// AssertCompatible returns a VersionError when any requirement fails.
func (c *VersionChecker) AssertCompatible(requirements map[string]string) error {
	report := c.Check(requirements)
	if !report.Compatible {
		return &VersionError{Report: report}
	}
	return nil
}
