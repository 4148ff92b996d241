package grant

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
)

// Confirmation outcome types carried in the UI handshake.
const (
	ConfirmOnce       = 1 // allow this call only, nothing cached
	ConfirmTempAll    = 2 // cache allow for any scope, in-memory only
	ConfirmTempThis   = 3 // cache allow for this scope, in-memory only
	ConfirmAlwaysAll  = 4 // cache and persist allow for any scope
	ConfirmAlwaysThis = 5 // cache and persist allow for this scope
)

// UserConfirm is the external confirmation signal.
type UserConfirm struct {
	Allow bool `json:"allow"`
	Type  int  `json:"type"`
}

// MetadataPair is one key/value row shown in the prompt.
type MetadataPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConfirmRequest is one prompt surfaced to the user. Exactly one is in
// flight at any instant; the rest wait in FIFO order.
type ConfirmRequest struct {
	ConfirmationID  string         `json:"confirmation_id"`
	ScriptID        string         `json:"script_id"`
	Capability      string         `json:"capability"`
	Scope           string         `json:"scope"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Metadata        []MetadataPair `json:"metadata,omitempty"`
	WildcardAllowed bool           `json:"wildcard_allowed"`
}

// Prompter delivers a prompt to whatever surface owns the user. The ws
// session implements this by sending a confirm.show message.
type Prompter interface {
	ShowConfirm(req *ConfirmRequest) error
}

type askResult struct {
	confirm UserConfirm
	err     error
}

type pendingConfirm struct {
	req      *ConfirmRequest
	prompter Prompter
	answer   chan UserConfirm
	result   chan askResult
}

// Queue serializes confirmation prompts: a dedicated worker drains it one
// item at a time, so a second prompt is never shown before the first is
// answered or times out.
type Queue struct {
	timeout time.Duration
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	items    []*pendingConfirm
	inflight *pendingConfirm
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

// NewQueue creates a confirmation queue. Call Start before use.
func NewQueue(timeout time.Duration, logger *logging.Logger, metrics *monitoring.Metrics) *Queue {
	return &Queue{
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the drain worker.
func (q *Queue) Start() {
	go q.run()
}

// Close stops the worker and fails all waiting requests.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiting := q.items
	q.items = nil
	q.mu.Unlock()

	close(q.done)
	for _, pc := range waiting {
		pc.result <- askResult{err: ErrQueueClosed}
	}
}

// Ask enqueues a prompt and blocks until the user answers, the confirmation
// window elapses, or ctx is cancelled.
func (q *Queue) Ask(ctx context.Context, req *ConfirmRequest, prompter Prompter) (UserConfirm, error) {
	pc := &pendingConfirm{
		req:      req,
		prompter: prompter,
		answer:   make(chan UserConfirm, 1),
		result:   make(chan askResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return UserConfirm{}, ErrQueueClosed
	}
	q.items = append(q.items, pc)
	pending := len(q.items)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.PromptsPending.Set(float64(pending))
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-pc.result:
		return res.confirm, res.err
	case <-ctx.Done():
		return UserConfirm{}, ctx.Err()
	}
}

// Resolve delivers the external confirm signal for the in-flight prompt.
// Returns false when no matching prompt is waiting (late or unknown id).
func (q *Queue) Resolve(confirmationID string, confirm UserConfirm) bool {
	q.mu.Lock()
	pc := q.inflight
	q.mu.Unlock()

	if pc == nil || pc.req.ConfirmationID != confirmationID {
		return false
	}
	select {
	case pc.answer <- confirm:
		return true
	default:
		return false
	}
}

func (q *Queue) run() {
	for {
		pc := q.pop()
		if pc == nil {
			return
		}

		q.mu.Lock()
		q.inflight = pc
		q.mu.Unlock()

		q.process(pc)

		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
	}
}

// process always finishes (resolve, timeout or failure) before the next
// item is popped.
func (q *Queue) process(pc *pendingConfirm) {
	if q.metrics != nil {
		q.metrics.PromptsShown.Inc()
	}
	if err := pc.prompter.ShowConfirm(pc.req); err != nil {
		q.logger.Warn("failed to surface confirmation prompt",
			zap.String("confirmation_id", pc.req.ConfirmationID),
			zap.Error(err),
		)
		pc.result <- askResult{err: err}
		return
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case confirm := <-pc.answer:
		pc.result <- askResult{confirm: confirm}
	case <-timer.C:
		q.logger.Warn("confirmation prompt timed out",
			zap.String("confirmation_id", pc.req.ConfirmationID),
			zap.String("script_id", pc.req.ScriptID),
		)
		pc.result <- askResult{err: ErrConfirmTimeout}
	case <-q.done:
		pc.result <- askResult{err: ErrQueueClosed}
	}
}

func (q *Queue) pop() *pendingConfirm {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			pc := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.PromptsPending.Set(float64(remaining))
			}
			return pc
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
			return nil
		}
	}
}
