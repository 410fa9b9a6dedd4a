package loom

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("loom: no store configured")
	ErrStoreClosed     = errors.New("loom: store closed")
	ErrMigrationFailed = errors.New("loom: migration failed")

	// Configuration errors.
	ErrNoResolver = errors.New("loom: no definition resolver configured")

	// Not found errors.
	ErrNotFound    = errors.New("loom: execution not found")
	ErrDLQNotFound = errors.New("loom: dlq entry not found")

	// Conflict errors.
	ErrAlreadyExists = errors.New("loom: execution already exists")

	// State errors.
	ErrAlreadyTerminal = errors.New("loom: execution already in a terminal state")
	ErrConflict        = errors.New("loom: execution was modified concurrently")

	// Step errors.
	ErrUnknownStepType = errors.New("loom: unknown step type")
	ErrNoHandler       = errors.New("loom: no handler registered for step type")
	ErrUnknownWorkflow = errors.New("loom: unknown workflow definition")
)
