package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grid-client/internal/domain"
)

// Download streams a project's results from the broker into a local file.
// On failure the bytes already written stay on disk.
type Download struct {
	counter

	remote    Source
	client    string
	project   string
	dest      string
	chunkSize int
}

func NewDownload(remote Source, client, project, dest string, chunkSize int) *Download {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Download{
		remote:    remote,
		client:    client,
		project:   project,
		dest:      dest,
		chunkSize: chunkSize,
	}
}

func (d *Download) Direction() domain.Direction { return domain.DirectionDownload }
func (d *Download) Project() string             { return d.project }
func (d *Download) LocalPath() string           { return d.dest }

func (d *Download) Run(ctx context.Context) error {
	const op = "download"

	size, err := d.remote.ProjectFileSize(ctx, d.client, d.project)
	if err != nil {
		return domain.NetworkError(op, d.project, fmt.Errorf("query file length: %w", err))
	}
	if size < 0 {
		return domain.NetworkError(op, d.project, fmt.Errorf("broker reported negative file length %d", size))
	}
	d.setTotal(size)

	if err := os.MkdirAll(filepath.Dir(d.dest), 0o755); err != nil {
		return domain.FileAccessError(op, d.project, fmt.Errorf("create destination dir: %w", err))
	}
	out, err := os.Create(d.dest)
	if err != nil {
		return domain.FileAccessError(op, d.project, fmt.Errorf("create destination: %w", err))
	}
	defer out.Close()

	stream, err := d.remote.DownloadProject(ctx, d.client, d.project)
	if err != nil {
		return domain.NetworkError(op, d.project, fmt.Errorf("open stream: %w", err))
	}
	streamClosed := false
	defer func() {
		if !streamClosed {
			_ = stream.Close()
		}
	}()

	buf := make([]byte, d.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s %s interrupted: %w", op, d.project, err)
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if d.Transferred()+int64(n) > size {
				return domain.NetworkError(op, d.project, fmt.Errorf("stream exceeded advertised length %d", size))
			}
			d.started.Store(true)
			if _, err := out.Write(buf[:n]); err != nil {
				return domain.FileAccessError(op, d.project, fmt.Errorf("write destination: %w", err))
			}
			d.add(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return domain.NetworkError(op, d.project, fmt.Errorf("read stream: %w", readErr))
		}
	}

	if got := d.Transferred(); got != size {
		return domain.NetworkError(op, d.project, fmt.Errorf("stream ended after %d of %d bytes", got, size))
	}

	streamClosed = true
	if err := stream.Close(); err != nil {
		return domain.NetworkError(op, d.project, fmt.Errorf("close stream: %w", err))
	}
	if err := out.Sync(); err != nil {
		return domain.FileAccessError(op, d.project, fmt.Errorf("sync destination: %w", err))
	}
	info, err := out.Stat()
	if err != nil {
		return domain.FileAccessError(op, d.project, fmt.Errorf("stat destination: %w", err))
	}
	if info.Size() == d.Transferred() {
		d.complete()
	}
	return nil
}

var _ Task = (*Download)(nil)
