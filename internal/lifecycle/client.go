// Package lifecycle drives a client's projects on the grid: it submits uploads
// and downloads to the transfer pool, relays pause, resume, cancel and
// corruption requests to the broker, and records every transfer in the journal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"grid-client/internal/archive"
	"grid-client/internal/broker"
	"grid-client/internal/domain"
	"grid-client/internal/manifest"
	"grid-client/internal/service"
	"grid-client/internal/storage"
	"grid-client/internal/transfer"
)

type Config struct {
	ClientName   string
	DownloadDir  string
	ChunkSize    int
	PollInterval time.Duration

	// MirrorBucket enables copying downloaded results to object storage.
	MirrorBucket string
	MirrorPrefix string

	Logger *logrus.Entry
}

// Client is one session against the broker. All project operations act on
// behalf of Config.ClientName.
type Client struct {
	cfg       Config
	remote    broker.Broker
	pool      *transfer.Pool
	stager    *archive.Stager
	validator *manifest.Validator
	journal   service.TransferService
	mirror    storage.Service
	log       *logrus.Entry

	monitors sync.WaitGroup
}

// New builds a client. mirror may be nil when results are not copied anywhere.
func New(cfg Config, remote broker.Broker, pool *transfer.Pool, stager *archive.Stager, journal service.TransferService, mirror storage.Service) (*Client, error) {
	if strings.TrimSpace(cfg.ClientName) == "" {
		return nil, errors.New("client name is required")
	}
	if remote == nil || pool == nil || stager == nil || journal == nil {
		return nil, errors.New("broker, pool, stager and journal are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transfer.DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if mirror != nil && cfg.MirrorBucket == "" {
		mirror = nil
	}
	log := cfg.Logger.WithField("client", cfg.ClientName)
	return &Client{
		cfg:       cfg,
		remote:    remote,
		pool:      pool,
		stager:    stager,
		validator: manifest.NewValidator(log),
		journal:   journal,
		mirror:    mirror,
		log:       log,
	}, nil
}

func (c *Client) Name() string {
	return c.cfg.ClientName
}

// Transition is the outcome of a pause or resume request. A request the
// project's state does not allow is reported here, not as an error.
type Transition struct {
	Project string
	Changed bool
	Prior   domain.ProjectState
	// Known is false when the broker has no such project.
	Known bool
}

// Reason explains why the transition was not applied. It is empty when Changed.
func (t Transition) Reason() string {
	if !t.Known {
		return "no such project"
	}
	if t.Changed {
		return ""
	}
	switch t.Prior {
	case domain.ProjectStatePreparing:
		return "project is being uploaded"
	case domain.ProjectStateActive:
		return "project is already running"
	case domain.ProjectStatePaused:
		return "project is already paused"
	case domain.ProjectStateReadyForDownload:
		return "project is ready for download"
	case domain.ProjectStateCompleted:
		return "project is already completed"
	case domain.ProjectStateCorrupted:
		return "project is corrupted"
	}
	return fmt.Sprintf("project is %s", t.Prior)
}

func (t Transition) String() string {
	if t.Changed {
		return fmt.Sprintf("%s: was %s, now changed", t.Project, t.Prior)
	}
	return fmt.Sprintf("%s: unchanged, %s", t.Project, t.Reason())
}

func (c *Client) Pause(ctx context.Context, project string) (Transition, error) {
	prior, err := c.remote.PauseProject(ctx, c.cfg.ClientName, project)
	return c.transition("pause", project, prior, domain.ProjectStateActive, err)
}

func (c *Client) Resume(ctx context.Context, project string) (Transition, error) {
	prior, err := c.remote.ResumeProject(ctx, c.cfg.ClientName, project)
	return c.transition("resume", project, prior, domain.ProjectStatePaused, err)
}

// transition interprets the broker's prior state: the request took effect only
// if the project was in from.
func (c *Client) transition(op, project string, prior, from domain.ProjectState, err error) (Transition, error) {
	logger := c.log.WithFields(logrus.Fields{"project": project, "op": op})
	t := Transition{Project: project}
	switch {
	case errors.Is(err, broker.ErrProjectNotFound):
		logger.Warn("project not found")
		return t, nil
	case err != nil:
		err = domain.NetworkError(op, project, err)
		logger.Error(err)
		return t, err
	}

	t.Known = true
	t.Prior = prior
	t.Changed = prior == from
	if t.Changed {
		logger.Infof("%s applied", op)
	} else {
		logger.Warnf("%s not applied: %s", op, t.Reason())
	}
	return t, nil
}

func (c *Client) Cancel(ctx context.Context, project string) (domain.CancelResult, error) {
	logger := c.log.WithFields(logrus.Fields{"project": project, "op": "cancel"})
	result, err := c.remote.CancelProject(ctx, c.cfg.ClientName, project)
	if err != nil {
		err = domain.NetworkError("cancel", project, err)
		logger.Error(err)
		return "", err
	}
	switch result {
	case domain.CancelAccepted:
		logger.Info("project cancelled")
	case domain.CancelRejectedPreparing:
		logger.Warn("cannot cancel a project that is being uploaded")
	case domain.CancelUnknownProject:
		logger.Warn("project not found")
	}
	return result, nil
}

// MarkCorrupted flags owner's project. Whether this client may do so is the
// broker's decision.
func (c *Client) MarkCorrupted(ctx context.Context, owner, project string) error {
	logger := c.log.WithFields(logrus.Fields{"project": project, "owner": owner, "op": "mark corrupted"})
	if err := c.remote.MarkProjectAsCorrupted(ctx, owner, project); err != nil {
		if errors.Is(err, broker.ErrProjectNotFound) {
			logger.Warn("project not found")
			return fmt.Errorf("mark %s corrupted: %w", project, err)
		}
		err = domain.NetworkError("mark corrupted", project, err)
		logger.Error(err)
		return err
	}
	logger.Info("project marked as corrupted")
	return nil
}

func (c *Client) IsProjectReadyForDownload(ctx context.Context, project string) (bool, error) {
	ready, err := c.remote.IsProjectReadyForDownload(ctx, c.cfg.ClientName, project)
	if err != nil {
		return false, c.networkFault("ready check", project, err)
	}
	return ready, nil
}

func (c *Client) IsProjectExists(ctx context.Context, project string) (bool, error) {
	exists, err := c.remote.IsProjectExists(ctx, c.cfg.ClientName, project)
	if err != nil {
		return false, c.networkFault("exists check", project, err)
	}
	return exists, nil
}

// IsConnected reports false both when the broker says so and when it cannot be reached.
func (c *Client) IsConnected(ctx context.Context) bool {
	ok, err := c.remote.IsConnected(ctx, c.cfg.ClientName)
	if err != nil {
		c.log.Warnf("connectivity check failed: %v", err)
		return false
	}
	return ok
}

func (c *Client) HasTasksInProgress(ctx context.Context) (bool, error) {
	ok, err := c.remote.HasClientTasksInProgress(ctx, c.cfg.ClientName)
	if err != nil {
		return false, c.networkFault("tasks in progress", "", err)
	}
	return ok, nil
}

// ListProjects returns the client's projects, restricted to states if any are given.
func (c *Client) ListProjects(ctx context.Context, states ...domain.ProjectState) ([]domain.ProjectInfo, error) {
	projects, err := c.remote.ProjectList(ctx, c.cfg.ClientName)
	if err != nil {
		return nil, c.networkFault("list projects", "", err)
	}
	if len(states) == 0 {
		return projects, nil
	}
	var filtered []domain.ProjectInfo
	for _, p := range projects {
		if slices.Contains(states, p.State) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (c *Client) ProjectInfo(ctx context.Context, project string) (domain.ProjectInfo, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return domain.ProjectInfo{}, err
	}
	for _, p := range projects {
		if p.Name == project {
			return p, nil
		}
	}
	return domain.ProjectInfo{}, fmt.Errorf("project %s: %w", project, broker.ErrProjectNotFound)
}

func (c *Client) SetMemoryLimit(ctx context.Context, memoryMB int) error {
	if memoryMB <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d: %w", memoryMB, domain.ErrValidation)
	}
	if err := c.remote.SetMemoryLimit(ctx, c.cfg.ClientName, memoryMB); err != nil {
		return c.networkFault("set memory limit", "", err)
	}
	c.log.Infof("memory limit set to %d MB", memoryMB)
	return nil
}

func (c *Client) SetCoresLimit(ctx context.Context, cores int) error {
	if cores <= 0 {
		return fmt.Errorf("cores limit must be positive, got %d: %w", cores, domain.ErrValidation)
	}
	if err := c.remote.SetCoresLimit(ctx, c.cfg.ClientName, cores); err != nil {
		return c.networkFault("set cores limit", "", err)
	}
	c.log.Infof("cores limit set to %d", cores)
	return nil
}

func (c *Client) networkFault(op, project string, err error) error {
	err = domain.NetworkError(op, project, err)
	c.log.WithFields(logrus.Fields{"project": project, "op": op}).Error(err)
	return err
}

// Upload validates the bundle's manifest and the data archive, then starts
// sending both to the broker in the background. The project is named by the
// manifest and must not exist yet.
func (c *Client) Upload(ctx context.Context, bundlePath, dataPath string) (*transfer.Handle, error) {
	m, err := c.validator.Validate(bundlePath)
	if err != nil {
		return nil, err
	}
	logger := c.log.WithFields(logrus.Fields{"project": m.ProjectName, "op": "upload"})

	if err := c.stager.Check(dataPath); err != nil {
		logger.Warn(err)
		return nil, err
	}

	exists, err := c.IsProjectExists(ctx, m.ProjectName)
	if err != nil {
		return nil, err
	}
	if exists {
		logger.Warn("project already exists")
		return nil, fmt.Errorf("upload %s: %w", m.ProjectName, domain.ErrProjectExists)
	}

	req := broker.UploadRequest{
		ClientName:  c.cfg.ClientName,
		ProjectName: m.ProjectName,
		Priority:    m.Priority,
		Limits:      m.Limits,
	}
	task := transfer.NewUpload(c.remote, c.stager, req, bundlePath, dataPath, c.cfg.ChunkSize, c.log)
	handle, err := c.pool.Submit(task)
	if err != nil {
		return nil, fmt.Errorf("submit upload %s: %w", m.ProjectName, err)
	}

	c.record(ctx, handle, []domain.TransferFile{
		fileEntry("bundle", bundlePath),
		fileEntry("data", dataPath),
	})
	logger.WithField("transfer_id", handle.ID().String()).Infof("upload started (priority %d)", m.Priority)
	c.watch(handle, nil)
	return handle, nil
}

// Download starts fetching a project's results into dest. An empty dest
// places the file under the download directory.
func (c *Client) Download(ctx context.Context, project, dest string) (*transfer.Handle, error) {
	logger := c.log.WithFields(logrus.Fields{"project": project, "op": "download"})
	if err := checkProjectName(project); err != nil {
		logger.Warn(err)
		return nil, err
	}

	ready, err := c.IsProjectReadyForDownload(ctx, project)
	if err != nil {
		return nil, err
	}
	if !ready {
		logger.Warn("project is not ready for download")
		return nil, fmt.Errorf("download %s: %w", project, domain.ErrNotReady)
	}

	if dest == "" {
		dest = filepath.Join(c.cfg.DownloadDir, project+".zip")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, domain.FileAccessError("download", project, fmt.Errorf("create destination dir: %w", err))
	}

	task := transfer.NewDownload(c.remote, c.cfg.ClientName, project, dest, c.cfg.ChunkSize)
	handle, err := c.pool.Submit(task)
	if err != nil {
		return nil, fmt.Errorf("submit download %s: %w", project, err)
	}

	c.record(ctx, handle, []domain.TransferFile{{Role: "result", Name: filepath.Base(dest), Path: dest}})
	logger.WithField("transfer_id", handle.ID().String()).Infof("download started to %s", dest)
	c.watch(handle, c.mirrorResult)
	return handle, nil
}

// checkProjectName rejects names that would not stay a single path element
// under the download directory.
func checkProjectName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid project name %q: %w", name, domain.ErrValidation)
	}
	return nil
}

func fileEntry(role, path string) domain.TransferFile {
	f := domain.TransferFile{Role: role, Name: filepath.Base(path), Path: path}
	if info, err := os.Stat(path); err == nil {
		f.Size = info.Size()
	}
	return f
}

func (c *Client) record(ctx context.Context, h *transfer.Handle, files []domain.TransferFile) {
	entry := &domain.Transfer{
		ID:          h.ID().String(),
		Direction:   h.Direction(),
		ClientName:  c.cfg.ClientName,
		ProjectName: h.Project(),
		LocalPath:   h.LocalPath(),
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), entry, files); err != nil {
		c.log.WithField("transfer_id", entry.ID).Warnf("record transfer: %v", err)
	}
}

// Transfer returns the handle of a transfer that is still running.
func (c *Client) Transfer(id uuid.UUID) (*transfer.Handle, bool) {
	return c.pool.Get(id)
}

// Transfers lists running transfers, oldest first.
func (c *Client) Transfers() []*transfer.Handle {
	return c.pool.Active()
}

func (c *Client) Journal() service.TransferService {
	return c.journal
}

// Recover closes out journal entries a previous process never finished.
func (c *Client) Recover(ctx context.Context) (int, error) {
	n, err := c.journal.Recover(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover journal: %w", err)
	}
	if n > 0 {
		c.log.Warnf("marked %d interrupted transfers as failed", n)
	}
	return n, nil
}

// Wait blocks until every submitted transfer has finished and been journaled.
func (c *Client) Wait() {
	c.monitors.Wait()
}

// Shutdown cancels running transfers and waits for their final journal entries.
func (c *Client) Shutdown() {
	c.pool.Shutdown()
	c.monitors.Wait()
	if n := c.stager.Registry().RemoveAll(c.log); n > 0 {
		c.log.Infof("removed %d staged payloads", n)
	}
}
