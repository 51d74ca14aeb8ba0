package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grid-client/internal/archive"
	"grid-client/internal/broker"
	"grid-client/internal/domain"
)

// fakeSource serves data as a download stream. Reads block until gate is
// closed when gate is set, and fail with failErr once failAfter bytes were sent.
// With release set, the first read after stallAfter bytes closes stalled and
// waits for release.
type fakeSource struct {
	data      []byte
	size      int64 // advertised; len(data) when zero and sizeSet is false
	sizeSet   bool
	sizeErr   error
	openErr   error
	gate      chan struct{}
	failAfter int
	failErr   error
	delay     time.Duration

	stallAfter int
	stalled    chan struct{}
	release    chan struct{}
}

func (s *fakeSource) ProjectFileSize(ctx context.Context, client, project string) (int64, error) {
	if s.sizeErr != nil {
		return 0, s.sizeErr
	}
	if s.sizeSet {
		return s.size, nil
	}
	return int64(len(s.data)), nil
}

func (s *fakeSource) DownloadProject(ctx context.Context, client, project string) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakeReader{src: s, r: bytes.NewReader(s.data)}, nil
}

type fakeReader struct {
	src     *fakeSource
	r       *bytes.Reader
	sent    int
	stalled bool
}

func (r *fakeReader) Read(p []byte) (int, error) {
	if r.src.gate != nil {
		<-r.src.gate
	}
	if r.src.delay > 0 {
		time.Sleep(r.src.delay)
	}
	if r.src.release != nil && !r.stalled && r.sent >= r.src.stallAfter {
		r.stalled = true
		close(r.src.stalled)
		<-r.src.release
	}
	if r.src.failErr != nil && r.sent >= r.src.failAfter {
		return 0, r.src.failErr
	}
	n, err := r.r.Read(p)
	r.sent += n
	return n, err
}

func (r *fakeReader) Close() error { return nil }

// fakeSink collects an upload.
type fakeSink struct {
	mu       sync.Mutex
	req      broker.UploadRequest
	buf      bytes.Buffer
	openErr  error
	writeErr error
	closeErr error
	gate     chan struct{}
	onWrite  func(n int)
	aborted  error
	closed   bool
}

func (s *fakeSink) UploadProject(ctx context.Context, req broker.UploadRequest) (broker.UploadStream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	return &fakeWriter{sink: s}, nil
}

type fakeWriter struct {
	sink *fakeSink
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.sink.gate != nil {
		<-w.sink.gate
	}
	if w.sink.writeErr != nil {
		return 0, w.sink.writeErr
	}
	if w.sink.onWrite != nil {
		w.sink.onWrite(len(p))
	}
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	return w.sink.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.closed = true
	return w.sink.closeErr
}

func (w *fakeWriter) Abort(err error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.aborted = err
}

// fileStager stages a fixed byte slice as the payload.
type fileStager struct {
	t       *testing.T
	content []byte
	err     error
	paths   []string
}

func (s *fileStager) Stage(ctx context.Context, client, project, bundlePath, dataPath string) (*archive.Payload, error) {
	if s.err != nil {
		return nil, s.err
	}
	path := filepath.Join(s.t.TempDir(), project+archive.PayloadSuffix)
	require.NoError(s.t, os.WriteFile(path, s.content, 0o600))
	s.paths = append(s.paths, path)
	return &archive.Payload{Path: path, Size: int64(len(s.content))}, nil
}

// fakeTask lets handle and pool tests drive the counters directly.
type fakeTask struct {
	counter
	run func(ctx context.Context, c *counter) error
}

func (f *fakeTask) Run(ctx context.Context) error {
	if f.run == nil {
		return nil
	}
	return f.run(ctx, &f.counter)
}

func (f *fakeTask) Direction() domain.Direction { return domain.DirectionUpload }
func (f *fakeTask) Project() string             { return "fake" }
func (f *fakeTask) LocalPath() string           { return "" }

var errBoom = errors.New("boom")

func payloadOf(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*31 + i/251)
	}
	return b
}
