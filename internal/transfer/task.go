// Package transfer runs chunked uploads and downloads against the broker in the
// background and exposes their progress through handles.
package transfer

import (
	"context"
	"io"
	"math/bits"
	"sync/atomic"

	"grid-client/internal/archive"
	"grid-client/internal/broker"
	"grid-client/internal/domain"
)

// DefaultChunkSize is the size of one read/write against the broker stream.
const DefaultChunkSize = 8 * 1024

// Task is one background transfer. Progress accessors are safe to call from
// any goroutine while Run is executing.
type Task interface {
	Run(ctx context.Context) error
	Direction() domain.Direction
	Project() string
	LocalPath() string

	// Progress is ceil(100*transferred/total), held below 100 until the last byte.
	Progress() int
	Transferred() int64
	Total() int64
	// Started flips to true once the first chunk crosses the stream.
	Started() bool
	// Completed is true once every byte of the local file has been transferred.
	Completed() bool
}

// Source is the broker side of a download.
type Source interface {
	ProjectFileSize(ctx context.Context, client, project string) (int64, error)
	DownloadProject(ctx context.Context, client, project string) (io.ReadCloser, error)
}

// Sink is the broker side of an upload.
type Sink interface {
	UploadProject(ctx context.Context, req broker.UploadRequest) (broker.UploadStream, error)
}

// Stager produces the payload an upload streams.
type Stager interface {
	Stage(ctx context.Context, client, project, bundlePath, dataPath string) (*archive.Payload, error)
}

// counter holds the progress state of a task. Only the task's own goroutine
// writes to it.
type counter struct {
	transferred atomic.Int64
	total       atomic.Int64
	percent     atomic.Int32
	started     atomic.Bool
	completed   atomic.Bool
}

func (c *counter) Progress() int      { return int(c.percent.Load()) }
func (c *counter) Transferred() int64 { return c.transferred.Load() }
func (c *counter) Total() int64       { return c.total.Load() }
func (c *counter) Started() bool      { return c.started.Load() }
func (c *counter) Completed() bool    { return c.completed.Load() }

func (c *counter) setTotal(n int64) {
	c.total.Store(n)
}

func (c *counter) add(n int) {
	done := c.transferred.Add(int64(n))
	c.percent.Store(int32(Percent(done, c.total.Load())))
}

// complete marks the local file as fully transferred.
func (c *counter) complete() {
	c.percent.Store(100)
	c.completed.Store(true)
}

// Percent returns ceil(100*done/total). It is 0 when nothing moved and 100 only
// when done == total; a value that would round up to 100 earlier is held at 99.
func Percent(done, total int64) int {
	if done <= 0 || total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	hi, lo := bits.Mul64(uint64(done), 100)
	quo, rem := bits.Div64(hi, lo, uint64(total))
	if rem > 0 {
		quo++
	}
	if quo > 99 {
		quo = 99
	}
	return int(quo)
}
