// Package broker describes the remote authority that owns project state and
// schedules work across the grid. The client reaches it only through Broker.
package broker

import (
	"context"
	"errors"
	"io"

	"grid-client/internal/domain"
)

// ErrProjectNotFound is the broker's "no such project" answer to calls that
// address a single project.
var ErrProjectNotFound = errors.New("project not found")

// UploadRequest carries the out-of-band parameters sent alongside an upload stream.
type UploadRequest struct {
	ClientName  string
	ProjectName string
	Priority    int
	Limits      domain.ResourceLimits
}

// UploadStream is the outbound half of an upload. Close commits the payload
// and reports whether the broker accepted it; Abort tears the stream down so
// the broker discards what it received.
type UploadStream interface {
	io.WriteCloser
	Abort(err error)
}

// Broker is the remote interface consumed by the client. Every method may fail
// with a transport fault at any time.
type Broker interface {
	IsConnected(ctx context.Context, client string) (bool, error)
	IsProjectExists(ctx context.Context, client, project string) (bool, error)
	IsProjectReadyForDownload(ctx context.Context, client, project string) (bool, error)
	HasClientTasksInProgress(ctx context.Context, client string) (bool, error)
	ProjectFileSize(ctx context.Context, client, project string) (int64, error)
	ProjectList(ctx context.Context, client string) ([]domain.ProjectInfo, error)

	// PauseProject and ResumeProject return the state the project was in before
	// the request was applied, or ErrProjectNotFound.
	PauseProject(ctx context.Context, client, project string) (domain.ProjectState, error)
	ResumeProject(ctx context.Context, client, project string) (domain.ProjectState, error)
	CancelProject(ctx context.Context, client, project string) (domain.CancelResult, error)
	MarkProjectAsCorrupted(ctx context.Context, owner, project string) error

	SetMemoryLimit(ctx context.Context, client string, memoryMB int) error
	SetCoresLimit(ctx context.Context, client string, cores int) error

	// DownloadProject opens a byte stream carrying the project's result payload.
	DownloadProject(ctx context.Context, client, project string) (io.ReadCloser, error)
	// UploadProject opens an outbound byte stream for a new project.
	UploadProject(ctx context.Context, req UploadRequest) (UploadStream, error)
}
