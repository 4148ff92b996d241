package grant

import "errors"

var (
	// ErrGrantMissing means the script's declaration omits the capability
	// and no alias or link covers it. Surfaced before any confirmation.
	ErrGrantMissing = errors.New("capability not declared in script grants")

	// ErrPermissionDenied means a user or cached decision rejected the
	// capability. Never re-prompted within the decision's lifetime.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConfirmTimeout means the user did not answer a prompt within the
	// confirmation window. The queue entry is dropped.
	ErrConfirmTimeout = errors.New("permission confirmation timed out")

	// ErrQueueClosed means the confirmation queue was shut down while a
	// request was waiting.
	ErrQueueClosed = errors.New("confirmation queue closed")
)
