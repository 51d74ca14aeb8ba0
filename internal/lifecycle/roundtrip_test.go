package lifecycle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-client/internal/broker/localbroker"
	"grid-client/internal/domain"
	"grid-client/internal/storage"
)

const simManifest = "Manifest-Version: 1.0\r\nProject-Name: sim\r\nProject-Priority: 5\r\nCores-Per-Task: 2\r\nMemory-Per-Task: 512\r\nTime-Per-Task: 60\r\n\r\n"

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// writeInputs creates a code bundle declaring manifest and a data archive.
func writeInputs(t *testing.T, manifest string) (bundle, data string) {
	t.Helper()
	dir := t.TempDir()
	bundle = filepath.Join(dir, "sim.jar")
	data = filepath.Join(dir, "inputs.zip")
	writeZip(t, bundle, map[string][]byte{
		"META-INF/MANIFEST.MF": []byte(manifest),
		"Main.class":           {0xca, 0xfe, 0xba, 0xbe},
	})
	writeZip(t, data, map[string][]byte{
		"inputs.csv": bytes.Repeat([]byte("1,2,3\n"), 4000),
	})
	return bundle, data
}

type mirrorCall struct {
	path string
	opts storage.UploadOptions
}

type fakeMirror struct {
	storage.Service

	mu    sync.Mutex
	calls []mirrorCall
	err   error
}

func (m *fakeMirror) UploadFile(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mirrorCall{path: localPath, opts: opts})
	if m.err != nil {
		return "", m.err
	}
	return "s3://" + opts.Bucket + "/" + opts.Key, nil
}

func (m *fakeMirror) recorded() []mirrorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mirrorCall(nil), m.calls...)
}

func waitSuccess(t *testing.T, c *Client, wasSuccessful func(context.Context) (bool, error)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := wasSuccessful(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	c.Wait()
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	ctx := context.Background()
	local, err := localbroker.New(t.TempDir(), nullLogger())
	require.NoError(t, err)
	mirror := &fakeMirror{}
	c := newClient(t, local, mirror)

	bundle, data := writeInputs(t, simManifest)

	up, err := c.Upload(ctx, bundle, data)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionUpload, up.Direction())
	assert.Equal(t, "sim", up.Project())
	waitSuccess(t, c, up.WasSuccessful)
	assert.Equal(t, 100, up.Progress())

	projects, err := c.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, domain.ProjectStateActive, projects[0].State)
	assert.Equal(t, 5, projects[0].Priority)
	assert.Equal(t, domain.ResourceLimits{CoresPerTask: 2, MemoryPerTaskMB: 512, TimePerTaskSeconds: 60}, projects[0].Limits)

	entry, err := c.Journal().GetTransfer(ctx, up.ID().String())
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSucceeded, entry.Status)
	assert.Equal(t, 100, entry.Progress)
	require.Len(t, entry.Files, 2)

	_, err = c.Upload(ctx, bundle, data)
	assert.ErrorIs(t, err, domain.ErrProjectExists)

	_, err = c.Download(ctx, "sim", "")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	require.NoError(t, local.MarkReady("alice", "sim"))

	down, err := c.Download(ctx, "sim", "")
	require.NoError(t, err)
	waitSuccess(t, c, down.WasSuccessful)

	zr, err := zip.OpenReader(down.LocalPath())
	require.NoError(t, err)
	defer zr.Close()
	got := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		got[f.Name] = body
	}
	for name, src := range map[string]string{"sim.jar": bundle, "inputs.zip": data} {
		want, err := os.ReadFile(src)
		require.NoError(t, err)
		assert.Equal(t, want, got[name], name)
	}

	state, _ := local.State("alice", "sim")
	assert.Equal(t, domain.ProjectStateCompleted, state)

	calls := mirror.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, down.LocalPath(), calls[0].path)
	assert.Equal(t, "results", calls[0].opts.Bucket)
	assert.Equal(t, "grid/alice/sim/sim.zip", calls[0].opts.Key)
	assert.Equal(t, "sim", calls[0].opts.Metadata["grid-project"])

	entry, err = c.Journal().GetTransfer(ctx, down.ID().String())
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSucceeded, entry.Status)
	assert.Equal(t, "s3://results/grid/alice/sim/sim.zip", entry.MirrorLocation)
}

func TestUpload_RejectsBadInputs(t *testing.T) {
	ctx := context.Background()
	local, err := localbroker.New(t.TempDir(), nullLogger())
	require.NoError(t, err)
	c := newClient(t, local, nil)

	bundle, data := writeInputs(t, "Manifest-Version: 1.0\r\nProject-Name: sim\r\nProject-Priority: 11\r\nCores-Per-Task: 2\r\nMemory-Per-Task: 512\r\nTime-Per-Task: 60\r\n\r\n")
	_, err = c.Upload(ctx, bundle, data)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bundle, _ = writeInputs(t, simManifest)
	notZip := filepath.Join(t.TempDir(), "inputs.zip")
	require.NoError(t, os.WriteFile(notZip, []byte("plain text"), 0o644))
	_, err = c.Upload(ctx, bundle, notZip)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	exists, err := local.IsProjectExists(ctx, "alice", "sim")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, c.Transfers())
}

func TestMirrorFailureKeepsDownloadSucceeded(t *testing.T) {
	ctx := context.Background()
	local, err := localbroker.New(t.TempDir(), nullLogger())
	require.NoError(t, err)
	mirror := &fakeMirror{err: errors.New("bucket gone")}
	c := newClient(t, local, mirror)

	bundle, data := writeInputs(t, simManifest)
	up, err := c.Upload(ctx, bundle, data)
	require.NoError(t, err)
	waitSuccess(t, c, up.WasSuccessful)
	require.NoError(t, local.SetResult("alice", "sim", bytes.NewReader([]byte("result"))))

	dest := filepath.Join(t.TempDir(), "out", "result.zip")
	down, err := c.Download(ctx, "sim", dest)
	require.NoError(t, err)
	waitSuccess(t, c, down.WasSuccessful)

	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "result", string(body))

	assert.Len(t, mirror.recorded(), 1)
	entry, err := c.Journal().GetTransfer(ctx, down.ID().String())
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSucceeded, entry.Status)
	assert.Empty(t, entry.MirrorLocation)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, &fakeBroker{}, nil)

	require.NoError(t, c.Journal().Record(ctx, &domain.Transfer{ID: "stale", Direction: domain.DirectionDownload, ClientName: "alice", ProjectName: "P"}, nil))

	n, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := c.Journal().GetTransfer(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusFailed, entry.Status)
	assert.Equal(t, "interrupted", entry.ErrorMessage)
}
