package rbac

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrDuplicateRole indicates a role name already taken in its tenant.
	ErrDuplicateRole = fmt.Errorf("rbac: role %w", httpx.ErrDuplicate)
	// ErrDuplicateAssignment indicates the (user, role, scope) tuple exists.
	ErrDuplicateAssignment = fmt.Errorf("rbac: assignment %w", httpx.ErrDuplicate)
	// ErrRoleInUse blocks deleting a role that assignments still reference.
	ErrRoleInUse = fmt.Errorf("rbac: role still assigned: %w", httpx.ErrConflict)
	// ErrValidation wraps input validation failures.
	ErrValidation = fmt.Errorf("rbac: %w", httpx.ErrValidation)
)
