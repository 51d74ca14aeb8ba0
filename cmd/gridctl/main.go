package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"grid-client/internal/archive"
	"grid-client/internal/broker/httpbroker"
	"grid-client/internal/config"
	"grid-client/internal/domain"
	apphttp "grid-client/internal/http"
	"grid-client/internal/lifecycle"
	"grid-client/internal/repository/sqlite"
	"grid-client/internal/service"
	"grid-client/internal/storage"
	"grid-client/internal/transfer"
)

const usage = `usage: gridctl <command> [arguments]

commands:
  register -secret S            create this client's account on the broker
  upload <bundle.jar> <data.zip>
  download [-o file] <project>
  pause <project>
  resume <project>
  cancel <project>
  corrupt <owner> <project>
  list [-state s]...
  info <project>
  limits [-memory MB] [-cores N]
  status
  serve                         run the local control API
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gridctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}
	verb, rest := args[0], args[1:]

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if verb == "register" {
		return register(ctx, cfg, rest)
	}

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	switch verb {
	case "upload":
		return s.upload(ctx, rest)
	case "download":
		return s.download(ctx, rest)
	case "pause", "resume":
		return s.transition(ctx, verb, rest)
	case "cancel":
		return s.cancel(ctx, rest)
	case "corrupt":
		return s.corrupt(ctx, rest)
	case "list":
		return s.list(ctx, rest)
	case "info":
		return s.info(ctx, rest)
	case "limits":
		return s.limits(ctx, rest)
	case "status":
		return s.status(ctx)
	case "serve":
		return s.serve(ctx)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", verb)
}

type session struct {
	cfg    config.Config
	logger *logrus.Logger
	db     *sql.DB
	client *lifecycle.Client
	mirror storage.Service
}

func brokerHTTPClient(cfg config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// streams may run for hours; only the wait for a response is bounded
	transport.ResponseHeaderTimeout = cfg.Broker.Timeout
	return &http.Client{Transport: transport}
}

func register(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	secret := fs.String("secret", "", "registration secret issued by the broker operator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	remote, err := httpbroker.NewClient(cfg.Broker.URL, brokerHTTPClient(cfg), nil)
	if err != nil {
		return err
	}
	if err := remote.Register(ctx, cfg.Client.Name, cfg.Broker.Password, *secret); err != nil {
		return fmt.Errorf("register %s: %w", cfg.Client.Name, err)
	}
	fmt.Printf("registered %s\n", cfg.Client.Name)
	return nil
}

func openSession(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*session, error) {
	log := logrus.NewEntry(logger)

	if _, err := archive.SweepOrphans(cfg.Transfer.StagingDir, cfg.Transfer.OrphanRetention, log); err != nil {
		logger.Warnf("sweep staging dir: %v", err)
	}

	db, err := sqlite.Open(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	transferRepo := sqlite.NewTransferRepository(db)
	fileRepo := sqlite.NewTransferFileRepository(db)
	if err := transferRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init transfer repository: %w", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init file repository: %w", err)
	}
	journal := service.NewTransferService(transferRepo, fileRepo)

	remote, err := httpbroker.NewClient(cfg.Broker.URL, brokerHTTPClient(cfg), log)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := remote.Login(ctx, cfg.Client.Name, cfg.Broker.Password); err != nil {
		db.Close()
		return nil, domain.NetworkError("login", "", err)
	}

	var mirror storage.Service
	if cfg.Mirror.Bucket != "" {
		if mirror, err = buildStorage(ctx, cfg, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup storage: %w", err)
		}
	}

	pool := transfer.NewPool(context.Background(), transfer.PoolConfig{
		MaxConcurrent: cfg.Transfer.MaxConcurrent,
		Logger:        log,
	})
	client, err := lifecycle.New(lifecycle.Config{
		ClientName:   cfg.Client.Name,
		DownloadDir:  cfg.Transfer.DownloadDir,
		ChunkSize:    cfg.Transfer.ChunkSize,
		PollInterval: cfg.Transfer.PollInterval,
		MirrorBucket: cfg.Mirror.Bucket,
		MirrorPrefix: cfg.Mirror.KeyPrefix,
		Logger:       log,
	}, remote, pool, archive.NewStager(cfg.Transfer.StagingDir, archive.NewRegistry(), log), journal, mirror)
	if err != nil {
		pool.Shutdown()
		db.Close()
		return nil, err
	}
	if _, err := client.Recover(ctx); err != nil {
		logger.Warnf("recover journal: %v", err)
	}

	return &session{cfg: cfg, logger: logger, db: db, client: client, mirror: mirror}, nil
}

func (s *session) close() {
	s.client.Shutdown()
	if err := s.db.Close(); err != nil {
		s.logger.Warnf("close journal: %v", err)
	}
}

// follow prints a transfer's progress until it finishes or ctx ends.
func (s *session) follow(ctx context.Context, h *transfer.Handle) error {
	last := -1
	finished := h.Watch(ctx, s.cfg.Transfer.PollInterval, func(progress int) {
		if progress != last {
			last = progress
			fmt.Printf("\r%s %s: %3d%%", h.Direction(), h.Project(), progress)
		}
	})
	fmt.Println()
	if !finished {
		return fmt.Errorf("%s %s interrupted", h.Direction(), h.Project())
	}

	ok, err := h.WasSuccessful(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s did not complete", h.Direction(), h.Project())
	}
	s.client.Wait()
	return nil
}

func (s *session) upload(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("upload needs <bundle.jar> <data.zip>")
	}
	h, err := s.client.Upload(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if err := s.follow(ctx, h); err != nil {
		return err
	}
	fmt.Printf("project %s uploaded\n", h.Project())
	return nil
}

func (s *session) download(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	dest := fs.String("o", "", "destination file (default: <downloaddir>/<project>.zip)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download needs <project>")
	}
	h, err := s.client.Download(ctx, fs.Arg(0), *dest)
	if err != nil {
		return err
	}
	if err := s.follow(ctx, h); err != nil {
		return err
	}
	fmt.Printf("results of %s saved to %s\n", h.Project(), h.LocalPath())
	return nil
}

func (s *session) transition(ctx context.Context, verb string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s needs <project>", verb)
	}
	var (
		t   lifecycle.Transition
		err error
	)
	if verb == "pause" {
		t, err = s.client.Pause(ctx, args[0])
	} else {
		t, err = s.client.Resume(ctx, args[0])
	}
	if err != nil {
		return err
	}
	if t.Changed {
		fmt.Printf("%sd %s\n", verb, t.Project)
		return nil
	}
	fmt.Printf("cannot %s %s: %s\n", verb, t.Project, t.Reason())
	return nil
}

func (s *session) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("cancel needs <project>")
	}
	result, err := s.client.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	switch result {
	case domain.CancelAccepted:
		fmt.Printf("cancelled %s\n", args[0])
	case domain.CancelRejectedPreparing:
		fmt.Printf("cannot cancel %s: project is being uploaded\n", args[0])
	case domain.CancelUnknownProject:
		fmt.Printf("cannot cancel %s: no such project\n", args[0])
	}
	return nil
}

func (s *session) corrupt(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("corrupt needs <owner> <project>")
	}
	if err := s.client.MarkCorrupted(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("marked %s/%s as corrupted\n", args[0], args[1])
	return nil
}

type stateList []domain.ProjectState

func (l *stateList) String() string {
	parts := make([]string, len(*l))
	for i, s := range *l {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func (l *stateList) Set(v string) error {
	state, err := domain.ParseProjectState(v)
	if err != nil {
		return err
	}
	*l = append(*l, state)
	return nil
}

func (s *session) list(ctx context.Context, args []string) error {
	var states stateList
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.Var(&states, "state", "only list projects in this state (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	projects, err := s.client.ListProjects(ctx, states...)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("no projects")
		return nil
	}
	for _, p := range projects {
		fmt.Println(p)
	}
	return nil
}

func (s *session) info(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("info needs <project>")
	}
	p, err := s.client.ProjectInfo(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}

func (s *session) limits(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("limits", flag.ContinueOnError)
	memory := fs.Int("memory", 0, "memory available to grid tasks, in MB")
	cores := fs.Int("cores", 0, "cores available to grid tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *memory == 0 && *cores == 0 {
		return errors.New("limits needs -memory and/or -cores")
	}
	if *memory != 0 {
		if err := s.client.SetMemoryLimit(ctx, *memory); err != nil {
			return err
		}
	}
	if *cores != 0 {
		if err := s.client.SetCoresLimit(ctx, *cores); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) status(ctx context.Context) error {
	fmt.Printf("client:    %s\n", s.client.Name())
	fmt.Printf("connected: %t\n", s.client.IsConnected(ctx))
	busy, err := s.client.HasTasksInProgress(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("tasks in progress: %t\n", busy)
	return nil
}

func (s *session) serve(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(s.client, s.client.Journal(), s.mirror, s.cfg.Mirror.Bucket).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("listening on %s", s.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("http shutdown: %v", err)
	}
	return nil
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Mirror.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Mirror.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Mirror.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("mirroring results to s3 bucket %s (region %s)", cfg.Mirror.Bucket, cfg.Mirror.Region)
	return storage.NewS3Service(client), nil
}
