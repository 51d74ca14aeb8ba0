package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
)

// Upload stages a code bundle with its data archive and streams the payload to
// the broker together with the project's scheduling parameters.
type Upload struct {
	counter

	remote     Sink
	stager     Stager
	req        broker.UploadRequest
	bundlePath string
	dataPath   string
	chunkSize  int
	log        *logrus.Entry

	payloadPath atomic.Value
}

func NewUpload(remote Sink, stager Stager, req broker.UploadRequest, bundlePath, dataPath string, chunkSize int, log *logrus.Entry) *Upload {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Upload{
		remote:     remote,
		stager:     stager,
		req:        req,
		bundlePath: bundlePath,
		dataPath:   dataPath,
		chunkSize:  chunkSize,
		log:        log.WithField("project", req.ProjectName),
	}
}

func (u *Upload) Direction() domain.Direction { return domain.DirectionUpload }
func (u *Upload) Project() string             { return u.req.ProjectName }

// LocalPath is the staged payload while the upload runs, the data archive otherwise.
func (u *Upload) LocalPath() string {
	if p, ok := u.payloadPath.Load().(string); ok && p != "" {
		return p
	}
	return u.dataPath
}

func (u *Upload) Run(ctx context.Context) error {
	const op = "upload"
	project := u.req.ProjectName

	payload, err := u.stager.Stage(ctx, u.req.ClientName, project, u.bundlePath, u.dataPath)
	if err != nil {
		return domain.FileAccessError(op, project, err)
	}
	u.payloadPath.Store(payload.Path)
	defer func() {
		if err := payload.Remove(); err != nil {
			u.log.Warnf("remove staged payload: %v", err)
		}
	}()
	u.setTotal(payload.Size)

	in, err := os.Open(payload.Path)
	if err != nil {
		return domain.FileAccessError(op, project, fmt.Errorf("open payload: %w", err))
	}
	defer in.Close()

	stream, err := u.remote.UploadProject(ctx, u.req)
	if err != nil {
		return domain.NetworkError(op, project, fmt.Errorf("open stream: %w", err))
	}
	abort := func(cause error) error {
		stream.Abort(cause)
		return cause
	}

	buf := make([]byte, u.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return abort(fmt.Errorf("%s %s interrupted: %w", op, project, err))
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := stream.Write(buf[:n]); err != nil {
				return abort(domain.NetworkError(op, project, fmt.Errorf("write stream: %w", err)))
			}
			u.started.Store(true)
			u.add(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return abort(domain.FileAccessError(op, project, fmt.Errorf("read payload: %w", readErr)))
		}
	}

	if got := u.Transferred(); got != payload.Size {
		return abort(domain.FileAccessError(op, project, fmt.Errorf("payload changed while uploading: sent %d of %d bytes", got, payload.Size)))
	}
	if err := stream.Close(); err != nil {
		return domain.NetworkError(op, project, fmt.Errorf("broker did not accept payload: %w", err))
	}
	u.complete()
	return nil
}

var _ Task = (*Upload)(nil)
