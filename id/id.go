// Package id defines the identifier type shared by every loom entity:
// executions, step results, DLQ entries, and worker identities. Unlike
// a general-purpose ID scheme, loom's domain is a closed set of four
// entity kinds, so this package also owns the invariant that an ID's
// prefix must name one of them — an ID carrying any other prefix is
// treated as corrupt input, not merely an unrecognized-but-valid one.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixExecution  Prefix = "exec"
	PrefixStepResult Prefix = "stepres"
	PrefixDLQ        Prefix = "dlq"
	PrefixWorker     Prefix = "wkr"
)

// knownPrefixes is the closed set of entity kinds loom persists. Both
// New and Parse reject anything outside it, so a corrupted or
// foreign-system ID string fails fast rather than silently round-
// tripping as an ID nothing in this codebase recognizes.
var knownPrefixes = map[Prefix]bool{
	PrefixExecution:  true,
	PrefixStepResult: true,
	PrefixDLQ:        true,
	PrefixWorker:     true,
}

// ID identifies one loom entity: a prefix-qualified, K-sortable
// (UUIDv7-based), URL-safe token in the form "prefix_suffix". The zero
// value is Nil and represents "no id" — used for optional foreign keys
// like Execution.WorkerID before a worker claims the row.
//
//nolint:recvcheck // value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a fresh ID for prefix. It panics if prefix is not one
// of the four entity kinds loom knows about, or if typeid itself
// rejects the prefix — both are programming errors, never data the
// caller should be recovering from.
func New(prefix Prefix) ID {
	if !knownPrefixes[prefix] {
		panic(fmt.Sprintf("id: unrecognized entity prefix %q", prefix))
	}

	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse decodes a TypeID string such as "exec_01h2xcejqtf2nbrexx3vqjhp41".
// It fails both on malformed input and on input whose prefix names an
// entity kind loom doesn't have — the latter case matters because
// this package is the only place that invariant is checked; scanning
// it straight from a store row wouldn't catch it otherwise.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	parsed := ID{inner: tid, valid: true}
	if !knownPrefixes[parsed.Prefix()] {
		return Nil, fmt.Errorf("id: parse %q: unrecognized entity prefix %q", s, parsed.Prefix())
	}

	return parsed, nil
}

// ParseWithPrefix parses s and additionally requires its prefix to
// equal expected, for call sites that know which entity kind they're
// expecting (e.g. a DLQ replay handler parsing a path parameter).
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse panics instead of returning an error. Reserved for
// hardcoded IDs (tests, fixtures) where a parse failure is a bug.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ExecutionID identifies an Execution.
type ExecutionID = ID

// StepResultID identifies a StepResult.
type StepResultID = ID

// DLQID identifies a dead-lettered execution.
type DLQID = ID

// WorkerID identifies a member of a worker pool.
type WorkerID = ID

// NewExecutionID mints a new execution identifier.
func NewExecutionID() ID { return New(PrefixExecution) }

// NewStepResultID mints a new step-result identifier.
func NewStepResultID() ID { return New(PrefixStepResult) }

// NewDLQID mints a new DLQ-entry identifier.
func NewDLQID() ID { return New(PrefixDLQ) }

// NewWorkerID mints a new worker identifier.
func NewWorkerID() ID { return New(PrefixWorker) }

// ParseExecutionID parses s and requires the "exec" prefix.
func ParseExecutionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixExecution) }

// ParseStepResultID parses s and requires the "stepres" prefix.
func ParseStepResultID(s string) (ID, error) { return ParseWithPrefix(s, PrefixStepResult) }

// ParseDLQID parses s and requires the "dlq" prefix.
func ParseDLQID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDLQ) }

// ParseWorkerID parses s and requires the "wkr" prefix.
func ParseWorkerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorker) }

// String renders the full "prefix_suffix" form, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix reports which entity kind this ID names, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler, encoding Nil as "".
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// decodes to Nil rather than erroring, so omitted JSON fields round-
// trip cleanly.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil encodes as SQL NULL so optional
// foreign-key columns (e.g. an unclaimed execution's worker_id) store
// cleanly without a sentinel string.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner, accepting the string/[]byte/NULL shapes
// a driver hands back from a text or varchar column.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil
		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil
			return nil
		}
		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil
			return nil
		}
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
