// Package validation provides input validation functions for shadowcp.
// This package has no dependencies to avoid import cycles.
package validation

import (
	"errors"
	"fmt"
	"regexp"
)

// pathSafeRegex matches alphanumeric characters, underscores, and hyphens only.
// Used to validate IDs that will be used in file paths and branch names.
var pathSafeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// commitHashRegex matches abbreviated or full hex object names.
var commitHashRegex = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// maxTaskIDLength keeps task directories and branch names within filesystem limits.
const maxTaskIDLength = 128

// ValidateTaskID validates that a task ID is safe to use as a directory
// name and as a branch name component.
func ValidateTaskID(id string) error {
	if id == "" {
		return errors.New("task ID cannot be empty")
	}
	if len(id) > maxTaskIDLength {
		return fmt.Errorf("invalid task ID %q: longer than %d characters", id, maxTaskIDLength)
	}
	if !pathSafeRegex.MatchString(id) {
		return fmt.Errorf("invalid task ID %q: must be alphanumeric with underscores/hyphens only", id)
	}
	return nil
}

// ValidateCommitHash validates that s looks like a (possibly abbreviated)
// lowercase hex commit hash. It does not check that the commit exists.
func ValidateCommitHash(s string) error {
	if !commitHashRegex.MatchString(s) {
		return fmt.Errorf("invalid commit hash %q: must be 4-40 lowercase hex characters", s)
	}
	return nil
}
