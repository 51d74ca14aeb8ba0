package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
	"grid-client/internal/lifecycle"
	"grid-client/internal/repository/sqlite"
	"grid-client/internal/service"
	"grid-client/internal/storage"
	"grid-client/internal/transfer"
)

type fakeCoordinator struct {
	upload   func(bundle, data string) (*transfer.Handle, error)
	pause    func(project string) (lifecycle.Transition, error)
	projects []domain.ProjectInfo
	states   []domain.ProjectState
	memory   []int
	cores    []int
	limitErr error
	running  map[uuid.UUID]*transfer.Handle
}

func (f *fakeCoordinator) Name() string { return "alice" }

func (f *fakeCoordinator) Upload(_ context.Context, bundle, data string) (*transfer.Handle, error) {
	return f.upload(bundle, data)
}

func (f *fakeCoordinator) Download(context.Context, string, string) (*transfer.Handle, error) {
	return nil, domain.ErrNotReady
}

func (f *fakeCoordinator) Transfer(id uuid.UUID) (*transfer.Handle, bool) {
	h, ok := f.running[id]
	return h, ok
}

func (f *fakeCoordinator) Pause(_ context.Context, project string) (lifecycle.Transition, error) {
	return f.pause(project)
}

func (f *fakeCoordinator) Resume(_ context.Context, project string) (lifecycle.Transition, error) {
	return f.pause(project)
}

func (f *fakeCoordinator) Cancel(context.Context, string) (domain.CancelResult, error) {
	return domain.CancelRejectedPreparing, nil
}

func (f *fakeCoordinator) MarkCorrupted(_ context.Context, owner, _ string) error {
	if owner != "alice" {
		return domain.NetworkError("mark corrupted", "P", errors.New("forbidden"))
	}
	return nil
}

func (f *fakeCoordinator) ListProjects(_ context.Context, states ...domain.ProjectState) ([]domain.ProjectInfo, error) {
	f.states = states
	return f.projects, nil
}

func (f *fakeCoordinator) ProjectInfo(_ context.Context, project string) (domain.ProjectInfo, error) {
	for _, p := range f.projects {
		if p.Name == project {
			return p, nil
		}
	}
	return domain.ProjectInfo{}, broker.ErrProjectNotFound
}

func (f *fakeCoordinator) IsConnected(context.Context) bool { return true }

func (f *fakeCoordinator) HasTasksInProgress(context.Context) (bool, error) { return false, nil }

func (f *fakeCoordinator) SetMemoryLimit(_ context.Context, mb int) error {
	f.memory = append(f.memory, mb)
	return f.limitErr
}

func (f *fakeCoordinator) SetCoresLimit(_ context.Context, cores int) error {
	f.cores = append(f.cores, cores)
	return f.limitErr
}

type fakeStorage struct {
	storage.Service
	deleted []string
}

func (s *fakeStorage) DeleteObject(_ context.Context, bucket, key string) error {
	s.deleted = append(s.deleted, bucket+"/"+key)
	return nil
}

func (s *fakeStorage) ListObjects(_ context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return []storage.ObjectInfo{{Key: prefix + "/P.zip", Size: 10}}, nil
}

func (s *fakeStorage) GetObjectURL(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key, nil
}

// idleTask finishes when release is closed.
type idleTask struct {
	release chan struct{}
}

func (t *idleTask) Run(ctx context.Context) error {
	select {
	case <-t.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (t *idleTask) Direction() domain.Direction { return domain.DirectionUpload }
func (t *idleTask) Project() string             { return "P" }
func (t *idleTask) LocalPath() string           { return "/tmp/P.gridpayload" }
func (t *idleTask) Progress() int               { return 0 }
func (t *idleTask) Transferred() int64          { return 0 }
func (t *idleTask) Total() int64                { return 100 }
func (t *idleTask) Started() bool               { return false }
func (t *idleTask) Completed() bool             { return false }

type fixture struct {
	grid    *fakeCoordinator
	journal service.TransferService
	store   *fakeStorage
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	transfers := sqlite.NewTransferRepository(db)
	files := sqlite.NewTransferFileRepository(db)
	require.NoError(t, transfers.Init(context.Background()))
	require.NoError(t, files.Init(context.Background()))

	f := &fixture{
		grid:    &fakeCoordinator{running: map[uuid.UUID]*transfer.Handle{}},
		journal: service.NewTransferService(transfers, files),
		store:   &fakeStorage{},
		router:  gin.New(),
	}
	NewHandler(f.grid, f.journal, f.store, "results").RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"client":"alice"`)
}

func TestUpload_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmtErr(domain.ErrValidation), http.StatusBadRequest},
		{domain.InvalidPayloadError("check archive", "", errors.New("not a zip")), http.StatusBadRequest},
		{fmtErr(domain.ErrProjectExists), http.StatusConflict},
		{domain.NetworkError("exists check", "P", errors.New("refused")), http.StatusBadGateway},
		{transfer.ErrPoolClosed, http.StatusServiceUnavailable},
		{domain.FileAccessError("read manifest", "", errors.New("denied")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.grid.upload = func(string, string) (*transfer.Handle, error) { return nil, tt.err }
		rec := f.do(http.MethodPost, "/api/uploads", `{"bundle_path":"a.jar","data_path":"d.zip"}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func fmtErr(sentinel error) error {
	return errors.Join(errors.New("upload P"), sentinel)
}

func TestUpload_Accepted(t *testing.T) {
	f := newFixture(t)
	pool := transfer.NewPool(context.Background(), transfer.PoolConfig{})
	t.Cleanup(pool.Shutdown)
	task := &idleTask{release: make(chan struct{})}
	defer close(task.release)

	var handle *transfer.Handle
	f.grid.upload = func(bundle, data string) (*transfer.Handle, error) {
		assert.Equal(t, "a.jar", bundle)
		assert.Equal(t, "d.zip", data)
		var err error
		handle, err = pool.Submit(task)
		return handle, err
	}

	rec := f.do(http.MethodPost, "/api/uploads", `{"bundle_path":"a.jar","data_path":"d.zip"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, handle.ID().String(), resp.ID)
	assert.Equal(t, domain.DirectionUpload, resp.Direction)
	assert.Equal(t, domain.TransferStatusQueued, resp.Status)
	assert.False(t, resp.Started)

	rec = f.do(http.MethodPost, "/api/uploads", `{"bundle_path":"a.jar"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownload_NotReady(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/downloads", `{"project":"P"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransfers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.NewString()
	require.NoError(t, f.journal.Record(ctx, &domain.Transfer{
		ID: id, Direction: domain.DirectionDownload, ClientName: "alice", ProjectName: "P", LocalPath: "/tmp/P.zip",
	}, []domain.TransferFile{{Role: "result", Name: "P.zip", Path: "/tmp/P.zip"}}))
	require.NoError(t, f.journal.MarkSucceeded(ctx, id))
	require.NoError(t, f.journal.MarkMirrored(ctx, id, "s3://results/grid/alice/P/P.zip"))

	rec := f.do(http.MethodGet, "/api/transfers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, domain.TransferStatusSucceeded, list[0].Status)
	require.Len(t, list[0].Files, 1)
	assert.Equal(t, "result", list[0].Files[0].Role)

	rec = f.do(http.MethodGet, "/api/transfers/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mirror_location":"s3://results/grid/alice/P/P.zip"`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/transfers/42", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/transfers/"+uuid.NewString(), "").Code)

	rec = f.do(http.MethodDelete, "/api/transfers/"+id+"?delete_remote=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"results/grid/alice/P/P.zip"}, f.store.deleted)

	_, err := f.journal.GetTransfer(ctx, id)
	assert.Error(t, err)
}

func TestDeleteTransfer_KeepsSharedMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const location = "s3://results/grid/alice/P/P.zip"

	first, second := uuid.NewString(), uuid.NewString()
	for _, id := range []string{first, second} {
		require.NoError(t, f.journal.Record(ctx, &domain.Transfer{
			ID: id, Direction: domain.DirectionDownload, ClientName: "alice", ProjectName: "P", LocalPath: "/tmp/P.zip",
		}, nil))
		require.NoError(t, f.journal.MarkSucceeded(ctx, id))
		require.NoError(t, f.journal.MarkMirrored(ctx, id, location))
	}

	rec := f.do(http.MethodDelete, "/api/transfers/"+first+"?delete_remote=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.store.deleted)
	assert.Contains(t, rec.Body.String(), "another transfer still points to it")

	rec = f.do(http.MethodDelete, "/api/transfers/"+second+"?delete_remote=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"results/grid/alice/P/P.zip"}, f.store.deleted)
}

func TestDeleteTransfer_Running(t *testing.T) {
	f := newFixture(t)
	pool := transfer.NewPool(context.Background(), transfer.PoolConfig{})
	t.Cleanup(pool.Shutdown)
	task := &idleTask{release: make(chan struct{})}
	defer close(task.release)

	handle, err := pool.Submit(task)
	require.NoError(t, err)
	f.grid.running[handle.ID()] = handle

	rec := f.do(http.MethodDelete, "/api/transfers/"+handle.ID().String(), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProjects(t *testing.T) {
	f := newFixture(t)
	f.grid.projects = []domain.ProjectInfo{{Name: "P", Owner: "alice", State: domain.ProjectStatePaused}}

	rec := f.do(http.MethodGet, "/api/projects?state=paused&state=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.ProjectState{domain.ProjectStatePaused, domain.ProjectStateActive}, f.grid.states)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/projects?state=running", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/projects/P", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/projects/Q", "").Code)
}

func TestPause_ReportsTransition(t *testing.T) {
	f := newFixture(t)
	f.grid.pause = func(project string) (lifecycle.Transition, error) {
		return lifecycle.Transition{Project: project, Known: true, Prior: domain.ProjectStatePreparing}, nil
	}

	rec := f.do(http.MethodPost, "/api/projects/P/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TransitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)
	assert.Equal(t, "project is being uploaded", resp.Reason)

	rec = f.do(http.MethodPost, "/api/projects/P/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.CancelRejectedPreparing))
}

func TestMarkCorrupted(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/owners/alice/projects/P/corrupted", "").Code)
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodPost, "/api/owners/bob/projects/P/corrupted", "").Code)
}

func TestLimits(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/limits", `{}`).Code)

	rec := f.do(http.MethodPut, "/api/limits", `{"memory_mb":2048}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int{2048}, f.grid.memory)
	assert.Empty(t, f.grid.cores)

	f.grid.limitErr = domain.ErrValidation
	rec = f.do(http.MethodPut, "/api/limits", `{"cores":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"client":"alice","connected":true,"tasks_in_progress":false}`, rec.Body.String())
}

func TestStorage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/storage/objects?prefix=grid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"grid/P.zip"`)

	rec = f.do(http.MethodGet, "/api/storage/url?key=grid/P.zip&expires=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://results.example/grid/P.zip","expires_in":3600}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/storage/url", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/storage/url?key=k&expires=soon", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodOptions, "/api/uploads", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestExtractS3Key(t *testing.T) {
	tests := []struct {
		location string
		want     string
		wantErr  bool
	}{
		{location: "s3://results/grid/alice/P/P.zip", want: "grid/alice/P/P.zip"},
		{location: "s3://other/grid/P.zip", wantErr: true},
		{location: "s3://results", wantErr: true},
		{location: "s3://results/", wantErr: true},
		{location: "https://results/grid", wantErr: true},
	}
	for _, tt := range tests {
		got, err := extractS3Key(tt.location, "results")
		if tt.wantErr {
			assert.Error(t, err, tt.location)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
