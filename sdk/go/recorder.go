package sozledgersdk

import (
	"context"
	"sync"
	"time"
)

// Recorder maps in-flight units of work (an agent run, a job, a task)
// onto promises. Start records a promise keyed by the caller's
// correlation id; Succeed and Fail settle it. Settling an unknown key
// is a no-op, so callers can wire Recorder into callback hooks without
// tracking which runs they started.
type Recorder struct {
	Client     *Client
	PromisorID string
	PromiseeID string
	Category   string

	mu      sync.Mutex
	pending map[string]string
}

// NewRecorder builds a Recorder for one promisor/promisee pair.
func NewRecorder(client *Client, promisorID, promiseeID string) *Recorder {
	return &Recorder{
		Client:     client,
		PromisorID: promisorID,
		PromiseeID: promiseeID,
		Category:   "custom",
		pending:    make(map[string]string),
	}
}

// Start records an active promise for the given correlation key.
func (r *Recorder) Start(ctx context.Context, key, description string, deadline time.Time) (Promise, error) {
	params := CreatePromiseParams{
		PromisorID:  r.PromisorID,
		PromiseeID:  r.PromiseeID,
		Description: description,
		Category:    r.Category,
	}
	if !deadline.IsZero() {
		params.Deadline = deadline.UTC().Format(time.RFC3339)
	}
	p, err := r.Client.CreatePromise(ctx, params)
	if err != nil {
		return Promise{}, err
	}
	r.mu.Lock()
	r.pending[key] = p.ID
	r.mu.Unlock()
	return p, nil
}

// Succeed fulfills the promise for key, optionally attaching evidence.
// Unknown keys are ignored.
func (r *Recorder) Succeed(ctx context.Context, key string, evidence map[string]any) error {
	promiseID, ok := r.take(key)
	if !ok {
		return nil
	}
	if evidence != nil {
		if _, err := r.Client.SubmitEvidence(ctx, promiseID, SubmitEvidenceParams{
			Type:        "output",
			SubmittedBy: r.PromisorID,
			Payload:     evidence,
		}); err != nil {
			return err
		}
	}
	_, err := r.Client.FulfillPromise(ctx, promiseID)
	return err
}

// Fail breaks the promise for key. Unknown keys are ignored.
func (r *Recorder) Fail(ctx context.Context, key string, reason string) error {
	promiseID, ok := r.take(key)
	if !ok {
		return nil
	}
	if reason != "" {
		if _, err := r.Client.SubmitEvidence(ctx, promiseID, SubmitEvidenceParams{
			Type:        "log",
			SubmittedBy: r.PromisorID,
			Payload:     map[string]any{"reason": reason},
		}); err != nil {
			return err
		}
	}
	_, err := r.Client.BreakPromise(ctx, promiseID)
	return err
}

// Pending reports whether key has an unsettled promise.
func (r *Recorder) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

func (r *Recorder) take(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	return id, ok
}
