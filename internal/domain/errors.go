package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCapabilityUnavailable means no AI provider could serve the request.
	ErrCapabilityUnavailable = errors.New("ai capability unavailable")

	// ErrDataValidation means extracted fields could not be converted to typed values.
	ErrDataValidation = errors.New("data validation failed")

	// ErrSandboxExecution is the parent of every rule-program failure.
	ErrSandboxExecution = errors.New("rule execution failed")

	// ErrReceiptAlreadyLinked is returned when a receipt or transaction already has a link.
	ErrReceiptAlreadyLinked = errors.New("receipt already linked")

	// ErrReauthorizationRequired means the mailbox credentials must be renewed by the user.
	ErrReauthorizationRequired = errors.New("mailbox reauthorization required")
)
