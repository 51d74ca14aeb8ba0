package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"grid-client/internal/domain"
)

// Handle is the caller's view of one submitted task. It separates "has the
// background work finished" from "did the transfer succeed".
type Handle struct {
	id        uuid.UUID
	task      Task
	submitted time.Time

	done chan struct{}
	err  error // written once before done is closed
}

func newHandle(task Task) *Handle {
	return &Handle{
		id:        uuid.New(),
		task:      task,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

func (h *Handle) ID() uuid.UUID               { return h.id }
func (h *Handle) Direction() domain.Direction { return h.task.Direction() }
func (h *Handle) Project() string             { return h.task.Project() }
func (h *Handle) LocalPath() string           { return h.task.LocalPath() }
func (h *Handle) SubmittedAt() time.Time      { return h.submitted }
func (h *Handle) Started() bool               { return h.task.Started() }
func (h *Handle) Progress() int               { return h.task.Progress() }
func (h *Handle) Transferred() int64          { return h.task.Transferred() }
func (h *Handle) Total() int64                { return h.task.Total() }

// Done is closed once the background execution has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// InProgress reports whether the background execution is still running,
// regardless of whether the transfer itself will succeed.
func (h *Handle) InProgress() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the classified failure of a finished task, or nil while running
// or after success.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return classify(h.err)
	default:
		return nil
	}
}

// WasSuccessful resolves the outcome. A task whose local file is already fully
// transferred reports success without consulting the background result.
// Otherwise it blocks until the task finishes; failures come back classified
// as domain.ErrNetwork or domain.ErrFileAccess. If ctx ends first the outcome
// is not yet determined and WasSuccessful returns false with no error.
func (h *Handle) WasSuccessful(ctx context.Context) (bool, error) {
	if h.task.Completed() {
		return true, nil
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return false, nil
	}

	if h.err != nil {
		return false, classify(h.err)
	}
	return true, nil
}

// Watch calls fn with the current progress immediately, then every interval,
// and once more when the task finishes. It returns true if the task finished
// and false if ctx ended first.
func (h *Handle) Watch(ctx context.Context, interval time.Duration, fn func(progress int)) bool {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(h.Progress())
	for {
		select {
		case <-ctx.Done():
			return false
		case <-h.done:
			fn(h.Progress())
			return true
		case <-ticker.C:
			fn(h.Progress())
		}
	}
}

// classify folds a task failure into network or local file access. Context
// errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrFileAccess) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.FileAccessError("transfer", "", err)
}
