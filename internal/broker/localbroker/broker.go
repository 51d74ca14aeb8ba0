// Package localbroker is an in-process project authority. It keeps project
// state in memory, spools payloads to disk and backs both the tests and the
// gridbroker development server.
package localbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
)

// ErrWrongState is returned when a result is set on a project that is not active.
var ErrWrongState = errors.New("project is not active")

type key struct {
	owner, name string
}

type project struct {
	info    domain.ProjectInfo
	payload string
	result  string
}

// Limits are the per-client resources last pushed with SetMemoryLimit and SetCoresLimit.
type Limits struct {
	MemoryMB int
	Cores    int
}

type Broker struct {
	dir string
	log *logrus.Entry

	mu       sync.Mutex
	projects map[key]*project
	limits   map[string]Limits
}

// New creates a broker that spools payloads under dir.
func New(dir string, log *logrus.Entry) (*Broker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broker{
		dir:      dir,
		log:      log,
		projects: make(map[key]*project),
		limits:   make(map[string]Limits),
	}, nil
}

func (b *Broker) IsConnected(ctx context.Context, client string) (bool, error) {
	return true, nil
}

func (b *Broker) IsProjectExists(ctx context.Context, client, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.projects[key{client, name}]
	return ok, nil
}

func (b *Broker) IsProjectReadyForDownload(ctx context.Context, client, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[key{client, name}]
	return ok && p.info.State == domain.ProjectStateReadyForDownload, nil
}

// HasClientTasksInProgress reports whether any project of client still needs
// grid work.
func (b *Broker) HasClientTasksInProgress(ctx context.Context, client string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, p := range b.projects {
		if k.owner != client {
			continue
		}
		switch p.info.State {
		case domain.ProjectStatePreparing, domain.ProjectStateActive, domain.ProjectStatePaused:
			return true, nil
		}
	}
	return false, nil
}

// ProjectFileSize is the size of the result payload of a project ready for download.
func (b *Broker) ProjectFileSize(ctx context.Context, client, name string) (int64, error) {
	b.mu.Lock()
	p, ok := b.projects[key{client, name}]
	var result string
	if ok {
		result = p.result
	}
	b.mu.Unlock()

	if !ok {
		return 0, broker.ErrProjectNotFound
	}
	if result == "" {
		return 0, domain.ErrNotReady
	}
	info, err := os.Stat(result)
	if err != nil {
		return 0, fmt.Errorf("stat result: %w", err)
	}
	return info.Size(), nil
}

func (b *Broker) ProjectList(ctx context.Context, client string) ([]domain.ProjectInfo, error) {
	b.mu.Lock()
	var list []domain.ProjectInfo
	for k, p := range b.projects {
		if k.owner == client {
			list = append(list, p.info)
		}
	}
	b.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// transition applies next to the project's state if it is currently from and
// returns the prior state either way.
func (b *Broker) transition(client, name string, from, next domain.ProjectState) (domain.ProjectState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.projects[key{client, name}]
	if !ok {
		return "", broker.ErrProjectNotFound
	}
	prior := p.info.State
	if prior == from {
		p.info.State = next
		b.log.WithField("project", name).Infof("project %s -> %s", prior, next)
	}
	return prior, nil
}

func (b *Broker) PauseProject(ctx context.Context, client, name string) (domain.ProjectState, error) {
	return b.transition(client, name, domain.ProjectStateActive, domain.ProjectStatePaused)
}

func (b *Broker) ResumeProject(ctx context.Context, client, name string) (domain.ProjectState, error) {
	return b.transition(client, name, domain.ProjectStatePaused, domain.ProjectStateActive)
}

func (b *Broker) CancelProject(ctx context.Context, client, name string) (domain.CancelResult, error) {
	b.mu.Lock()
	k := key{client, name}
	p, ok := b.projects[k]
	if !ok {
		b.mu.Unlock()
		return domain.CancelUnknownProject, nil
	}
	if p.info.State == domain.ProjectStatePreparing {
		b.mu.Unlock()
		return domain.CancelRejectedPreparing, nil
	}
	delete(b.projects, k)
	b.mu.Unlock()

	b.removeFiles(p)
	b.log.WithField("project", name).Info("project cancelled")
	return domain.CancelAccepted, nil
}

func (b *Broker) MarkProjectAsCorrupted(ctx context.Context, owner, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.projects[key{owner, name}]
	if !ok {
		return broker.ErrProjectNotFound
	}
	p.info.State = domain.ProjectStateCorrupted
	b.log.WithField("project", name).Warn("project marked as corrupted")
	return nil
}

func (b *Broker) SetMemoryLimit(ctx context.Context, client string, memoryMB int) error {
	if memoryMB <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", memoryMB)
	}
	b.mu.Lock()
	l := b.limits[client]
	l.MemoryMB = memoryMB
	b.limits[client] = l
	b.mu.Unlock()
	return nil
}

func (b *Broker) SetCoresLimit(ctx context.Context, client string, cores int) error {
	if cores <= 0 {
		return fmt.Errorf("cores limit must be positive, got %d", cores)
	}
	b.mu.Lock()
	l := b.limits[client]
	l.Cores = cores
	b.limits[client] = l
	b.mu.Unlock()
	return nil
}

// Limits returns what client last pushed.
func (b *Broker) Limits(client string) Limits {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limits[client]
}

// State returns the current state of a project.
func (b *Broker) State(owner, name string) (domain.ProjectState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[key{owner, name}]
	if !ok {
		return "", false
	}
	return p.info.State, true
}

// activeProject returns the project if it is active.
func (b *Broker) activeProject(owner, name string) (*project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[key{owner, name}]
	if !ok {
		return nil, broker.ErrProjectNotFound
	}
	if p.info.State != domain.ProjectStateActive {
		return nil, fmt.Errorf("%w: %s/%s is %s", ErrWrongState, owner, name, p.info.State)
	}
	return p, nil
}

// MarkReady finishes an active project with its uploaded payload as the result.
func (b *Broker) MarkReady(owner, name string) error {
	p, err := b.activeProject(owner, name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	src := p.payload
	b.mu.Unlock()

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer in.Close()
	return b.SetResult(owner, name, in)
}

// SetResult stores r as the result of an active project and moves it to
// ready_for_download. Any other state is refused with ErrWrongState.
func (b *Broker) SetResult(owner, name string, r io.Reader) error {
	if _, err := b.activeProject(owner, name); err != nil {
		return err
	}

	dest := b.path(owner, name, ".result")
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("write result: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close result: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// the state may have moved while the result was written
	p, ok := b.projects[key{owner, name}]
	if !ok {
		os.Remove(dest)
		return broker.ErrProjectNotFound
	}
	if p.info.State != domain.ProjectStateActive {
		os.Remove(dest)
		return fmt.Errorf("%w: %s/%s is %s", ErrWrongState, owner, name, p.info.State)
	}
	p.result = dest
	p.info.State = domain.ProjectStateReadyForDownload
	b.log.WithField("project", name).Info("project ready for download")
	return nil
}

// DownloadProject streams the result. Reading it to the end and closing the
// stream completes the project.
func (b *Broker) DownloadProject(ctx context.Context, client, name string) (io.ReadCloser, error) {
	b.mu.Lock()
	p, ok := b.projects[key{client, name}]
	var result string
	if ok {
		result = p.result
	}
	b.mu.Unlock()

	if !ok {
		return nil, broker.ErrProjectNotFound
	}
	if result == "" {
		return nil, domain.ErrNotReady
	}
	f, err := os.Open(result)
	if err != nil {
		return nil, fmt.Errorf("open result: %w", err)
	}
	return &resultReader{f: f, broker: b, key: key{client, name}}, nil
}

// resultReader keeps the file unexported so io.Copy cannot bypass Read
// through (*os.File).WriteTo.
type resultReader struct {
	f      *os.File
	eof    bool
	broker *Broker
	key    key
}

func (r *resultReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	return n, err
}

func (r *resultReader) Close() error {
	err := r.f.Close()
	if r.eof {
		r.broker.mu.Lock()
		if p, ok := r.broker.projects[r.key]; ok && p.info.State == domain.ProjectStateReadyForDownload {
			p.info.State = domain.ProjectStateCompleted
			r.broker.log.WithField("project", r.key.name).Info("project completed")
		}
		r.broker.mu.Unlock()
	}
	return err
}

// UploadProject registers the project as preparing and returns a stream that
// spools the payload. Close makes the project active; Abort forgets it.
func (b *Broker) UploadProject(ctx context.Context, req broker.UploadRequest) (broker.UploadStream, error) {
	if err := checkName(req.ClientName); err != nil {
		return nil, err
	}
	if err := checkName(req.ProjectName); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(b.dir, req.ClientName), 0o755); err != nil {
		return nil, fmt.Errorf("create client dir: %w", err)
	}

	k := key{req.ClientName, req.ProjectName}
	b.mu.Lock()
	if _, exists := b.projects[k]; exists {
		b.mu.Unlock()
		return nil, domain.ErrProjectExists
	}
	p := &project{
		info: domain.ProjectInfo{
			Name:     req.ProjectName,
			Owner:    req.ClientName,
			State:    domain.ProjectStatePreparing,
			Priority: req.Priority,
			Limits:   req.Limits,
		},
		payload: b.path(req.ClientName, req.ProjectName, ".payload"),
	}
	b.projects[k] = p
	b.mu.Unlock()

	f, err := os.Create(p.payload + ".part")
	if err != nil {
		b.forget(k)
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	b.log.WithField("project", req.ProjectName).Info("receiving project")
	return &spool{broker: b, key: k, project: p, file: f}, nil
}

type spool struct {
	broker  *Broker
	key     key
	project *project
	file    *os.File
	size    int64
	done    bool
}

func (s *spool) Write(p []byte) (int, error) {
	if s.done {
		return 0, os.ErrClosed
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *spool) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	part := s.file.Name()
	if err := s.file.Close(); err != nil {
		os.Remove(part)
		s.broker.forget(s.key)
		return fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(part, s.project.payload); err != nil {
		os.Remove(part)
		s.broker.forget(s.key)
		return fmt.Errorf("commit payload: %w", err)
	}

	s.broker.mu.Lock()
	s.project.info.SizeBytes = s.size
	state := s.project.info.State
	if state == domain.ProjectStatePreparing {
		s.project.info.State = domain.ProjectStateActive
	}
	s.broker.mu.Unlock()

	logger := s.broker.log.WithField("project", s.key.name)
	if state != domain.ProjectStatePreparing {
		logger.Warnf("payload received (%d bytes) but project is %s, state kept", s.size, state)
		return nil
	}
	logger.Infof("project accepted (%d bytes)", s.size)
	return nil
}

func (s *spool) Abort(err error) {
	if s.done {
		return
	}
	s.done = true
	s.file.Close()
	os.Remove(s.file.Name())
	s.broker.forget(s.key)
	s.broker.log.WithField("project", s.key.name).Warnf("upload aborted: %v", err)
}

func (b *Broker) forget(k key) {
	b.mu.Lock()
	delete(b.projects, k)
	b.mu.Unlock()
}

func (b *Broker) removeFiles(p *project) {
	for _, path := range []string{p.payload, p.result} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.log.Warnf("remove %s: %v", path, err)
		}
	}
}

func (b *Broker) path(owner, name, suffix string) string {
	return filepath.Join(b.dir, owner, name+suffix)
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" || name != filepath.Base(name) || name == ".." {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
