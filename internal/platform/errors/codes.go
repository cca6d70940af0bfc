// Package errors provides structured error handling for the role-sync engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Directory errors
	CodeDirectoryUnavailable  Code = "DIRECTORY_UNAVAILABLE"
	CodeDirectoryTimeout      Code = "DIRECTORY_TIMEOUT"
	CodeDirectoryUnauthorized Code = "DIRECTORY_UNAUTHORIZED"
	CodeDirectoryBadRequest   Code = "DIRECTORY_BAD_REQUEST"
	CodeDirectoryNotFound     Code = "DIRECTORY_NOT_FOUND"
	CodeDirectoryCooldown     Code = "DIRECTORY_COOLDOWN"

	// Mutation errors
	CodeMutationVerifyMismatch Code = "MUTATION_VERIFY_MISMATCH"

	// Member errors
	CodeMemberNotFound Code = "MEMBER_NOT_FOUND"
	CodeMemberInactive Code = "MEMBER_INACTIVE"

	// Department errors
	CodeDepartmentNotFound   Code = "DEPARTMENT_NOT_FOUND"
	CodeDepartmentNoGuild    Code = "DEPARTMENT_NO_GUILD"
	CodeIDNumbersExhausted   Code = "ID_NUMBERS_EXHAUSTED"
	CodeRoleBindingMissing   Code = "ROLE_BINDING_MISSING"
	CodeRoleMapUnavailable   Code = "ROLE_MAP_UNAVAILABLE"

	// Sync errors
	CodeSyncReconcileFailed Code = "SYNC_RECONCILE_FAILED"
	CodeSyncStoreFailed     Code = "SYNC_STORE_FAILED"
)

// GRPCCode maps a domain error code to the canonical gRPC code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeDirectoryBadRequest:
		return codes.InvalidArgument

	// NotFound - missing entities
	case CodeMemberNotFound,
		CodeDepartmentNotFound,
		CodeDirectoryNotFound:
		return codes.NotFound

	// PermissionDenied - the directory rejected our credentials
	case CodeDirectoryUnauthorized:
		return codes.PermissionDenied

	// FailedPrecondition - state disallows the operation
	case CodeMemberInactive,
		CodeDepartmentNoGuild,
		CodeRoleBindingMissing:
		return codes.FailedPrecondition

	// ResourceExhausted - the id pool has no numbers left
	case CodeIDNumbersExhausted:
		return codes.ResourceExhausted

	// Unavailable - transient upstream trouble, callers may retry
	case CodeDirectoryUnavailable,
		CodeDirectoryCooldown,
		CodeRoleMapUnavailable:
		return codes.Unavailable

	// DeadlineExceeded - a directory call ran out of time
	case CodeDirectoryTimeout:
		return codes.DeadlineExceeded

	// Internal - mutation verification disagreed, or a sync step broke
	case CodeMutationVerifyMismatch,
		CodeSyncReconcileFailed,
		CodeSyncStoreFailed:
		return codes.Internal

	default:
		return codes.Unknown
	}
}
