package blackboard

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Read when nothing is stored at the requested key path.
	ErrNotFound = errors.New("not found")

	// ErrUnknownRegion is returned when a region name is not part of the Board's schema.
	ErrUnknownRegion = errors.New("unknown region")

	// ErrBranchClosed is returned when writing to, or merging, a branch that was already merged or discarded.
	ErrBranchClosed = errors.New("branch already merged or discarded")

	// ErrForeignBranch is returned when MergeParallel receives a branch taken from a different Board.
	ErrForeignBranch = errors.New("branch belongs to a different board")
)

// SchemaViolation is returned when a write is rejected. The cause is either the
// region's JSON schema, the region's write policy, or the caller's write authorization.
// Violations are pipeline definition bugs and are never retried.
type SchemaViolation struct {
	Region  string
	KeyPath string
	Reason  string
}

func (e *SchemaViolation) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("schema violation: %s", e.Reason)
	}
	return fmt.Sprintf("schema violation at %s: %s", JoinPath(e.Region, e.KeyPath), e.Reason)
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSchemaViolation checks if an error is a rejected write.
func IsSchemaViolation(err error) bool {
	var v *SchemaViolation
	return errors.As(err, &v)
}

// ownershipError is raised by deep-merge writes that would replace another writer's leaf.
type ownershipError struct {
	path  string
	owner string
}

func (e *ownershipError) Error() string {
	if e.path == "" {
		return fmt.Sprintf("value is owned by %q", e.owner)
	}
	return fmt.Sprintf("leaf %q is owned by %q", e.path, e.owner)
}
