package domain

import "errors"

var (
	// ErrNotFound is returned when a config, policy, or record does not
	// exist for the calling tenant. Cross-tenant access collapses into this
	// error so existence is never leaked.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a synchronously rejected request
	ErrValidation = errors.New("validation failed")

	// ErrPolicyDenied marks a tool run rejected by the tenant's tool policy
	ErrPolicyDenied = errors.New("denied by tool policy")

	// ErrEgressDenied marks a URL rejected by the egress guard
	ErrEgressDenied = errors.New("denied by egress guard")
)
