package runtime

import (
	"errors"
	"fmt"
)

// State names the executor phase a command was in when something happened.
// The happy path is Validating → Forking → Handling (with SyncListening
// interleaved per emitted event) → Merging → AsyncListening → Done.
type State string

const (
	StateValidating     State = "validating"
	StateForking        State = "forking"
	StateHandling       State = "handling"
	StateSyncListening  State = "sync-listening"
	StateMerging        State = "merging"
	StateAsyncListening State = "async-listening"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Code categorizes command failures.
type Code string

const (
	// CodeUnknownCommand indicates the command name is not registered.
	CodeUnknownCommand Code = "UNKNOWN_COMMAND"

	// CodeValidation indicates the input payload failed the command's
	// parameter shape. No side effects occurred.
	CodeValidation Code = "VALIDATION_FAILED"

	// CodeHandler indicates the handler or a synchronous listener failed.
	// The fork was discarded; nothing reached master storage.
	CodeHandler Code = "HANDLER_FAILED"

	// CodeMerge indicates the backing adapter rejected the merge batch.
	// The fork was discarded; state is unchanged.
	CodeMerge Code = "MERGE_FAILED"

	// CodeUnknownStore indicates a query addressed an unregistered store.
	CodeUnknownStore Code = "UNKNOWN_STORE"

	// CodeUnknownView indicates replay addressed a store with no
	// registered projection.
	CodeUnknownView Code = "UNKNOWN_VIEW"
)

// CommandError is the failure surface of command and query execution.
// It records which phase the execution failed in, so callers can tell a
// rejected payload (no side effects) from a post-validation failure
// (fork discarded).
type CommandError struct {
	Code    Code
	Command string
	State   State
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Command != "" {
		return fmt.Sprintf("%s: command %q (%s): %s", e.Code, e.Command, e.State, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a parameter validation failure.
func IsValidationError(err error) bool {
	return hasCode(err, CodeValidation)
}

// IsHandlerError reports whether err is a handler or synchronous listener
// failure.
func IsHandlerError(err error) bool {
	return hasCode(err, CodeHandler)
}

// IsMergeError reports whether err is a merge rejection.
func IsMergeError(err error) bool {
	return hasCode(err, CodeMerge)
}

func hasCode(err error, code Code) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
