package interact

import "fmt"

// Error codes surfaced to callers. These are part of the external API and
// must stay stable.
const (
	// CodeLegacyNotAllowed: a bare string answer cannot be routed while more
	// than one question is pending.
	CodeLegacyNotAllowed = "LEGACY_NOT_ALLOWED"
	// CodeToolCallRequired: resolving without a tool-call id is ambiguous
	// while more than one question is pending.
	CodeToolCallRequired = "TOOLCALL_REQUIRED_MULTI_PENDING"
	// CodeRunMismatch: the answer targets a different run than the one
	// currently active.
	CodeRunMismatch = "RUN_MISMATCH"
	// CodeTargetNotFound: no pending question matches the target.
	CodeTargetNotFound = "TARGET_NOT_FOUND"
	// CodeEmptyAnswer: the answer carries no content at all.
	CodeEmptyAnswer = "EMPTY_ANSWER"
	// CodeInvalidQuestion: the tool input could not be normalized.
	CodeInvalidQuestion = "INVALID_QUESTION"
	// CodeDuplicateQuestion: two questions in one batch share their text.
	CodeDuplicateQuestion = "DUPLICATE_QUESTION"
	// CodeDuplicateOption: one question lists the same option label twice.
	CodeDuplicateOption = "DUPLICATE_OPTION"
)

// Error is a user-input error with a stable code. These never fail the turn;
// the caller reports them synchronously and the question stays pending.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the stable code of err, or "" if err is not an interact
// error.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
