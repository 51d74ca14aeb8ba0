package httpbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
	"grid-client/internal/service"
)

const subjectKey = "grid.subject"

type ServerConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	// Admins may mark any owner's project as corrupted.
	Admins []string
	Logger *logrus.Entry
}

// Server exposes a broker.Broker over HTTP.
type Server struct {
	broker   broker.Broker
	accounts service.AccountService
	secret   []byte
	ttl      time.Duration
	admins   map[string]struct{}
	log      *logrus.Entry
}

func NewServer(b broker.Broker, accounts service.AccountService, cfg ServerConfig) (*Server, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = struct{}{}
	}
	return &Server{
		broker:   b,
		accounts: accounts,
		secret:   []byte(cfg.JWTSecret),
		ttl:      cfg.TokenTTL,
		admins:   admins,
		log:      cfg.Logger,
	}, nil
}

func (s *Server) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
	v1.POST("/register", s.register)
	v1.POST("/login", s.login)

	client := v1.Group("/clients/:client", s.authenticate(), s.requireSelf("client"))
	{
		client.GET("/connected", s.connected)
		client.GET("/in-progress", s.inProgress)
		client.GET("/projects", s.listProjects)
		client.GET("/projects/:project/exists", s.exists)
		client.GET("/projects/:project/ready", s.ready)
		client.GET("/projects/:project/size", s.size)
		client.POST("/projects/:project/pause", s.pause)
		client.POST("/projects/:project/resume", s.resume)
		client.POST("/projects/:project/cancel", s.cancel)
		client.GET("/projects/:project/payload", s.download)
		client.PUT("/projects/:project/payload", s.upload)
		client.PUT("/limits/memory", s.setMemory)
		client.PUT("/limits/cores", s.setCores)
	}

	owners := v1.Group("/owners/:owner", s.authenticate(), s.requireOwnerOrAdmin("owner"))
	owners.POST("/projects/:project/corrupted", s.corrupted)
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	account, err := s.accounts.Register(c.Request.Context(), req.ClientName, req.Password, req.Secret)
	switch {
	case errors.Is(err, service.ErrInvalidRegistrationSecret):
		abort(c, http.StatusForbidden, codeForbidden, err)
		return
	case errors.Is(err, service.ErrAccountExists):
		abort(c, http.StatusConflict, codeBadRequest, err)
		return
	case err != nil:
		abort(c, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client_name": account.ClientName})
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	account, err := s.accounts.Authenticate(c.Request.Context(), req.ClientName, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			abort(c, http.StatusUnauthorized, codeUnauthorized, err)
			return
		}
		abort(c, http.StatusInternalServerError, codeInternal, err)
		return
	}

	token, expires, err := s.issueToken(account.ClientName)
	if err != nil {
		abort(c, http.StatusInternalServerError, codeInternal, err)
		return
	}
	s.log.WithField("client", account.ClientName).Info("client logged in")
	c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires.Format(time.RFC3339)})
}

func (s *Server) issueToken(subject string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			abort(c, http.StatusUnauthorized, codeUnauthorized, errors.New("missing bearer token"))
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || claims.Subject == "" {
			abort(c, http.StatusUnauthorized, codeUnauthorized, errors.New("invalid token"))
			return
		}
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

func (s *Server) requireSelf(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(subjectKey) != c.Param(param) {
			abort(c, http.StatusForbidden, codeForbidden, errors.New("token does not belong to this client"))
			return
		}
		c.Next()
	}
}

// requireOwnerOrAdmin lets a client flag its own projects and admins flag anyone's.
func (s *Server) requireOwnerOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetString(subjectKey)
		if _, admin := s.admins[subject]; !admin && subject != c.Param(param) {
			abort(c, http.StatusForbidden, codeForbidden, errors.New("only the owner or an admin may do this"))
			return
		}
		c.Next()
	}
}

func (s *Server) connected(c *gin.Context) {
	ok, err := s.broker.IsConnected(c.Request.Context(), c.Param("client"))
	s.respondBool(c, ok, err)
}

func (s *Server) inProgress(c *gin.Context) {
	ok, err := s.broker.HasClientTasksInProgress(c.Request.Context(), c.Param("client"))
	s.respondBool(c, ok, err)
}

func (s *Server) exists(c *gin.Context) {
	ok, err := s.broker.IsProjectExists(c.Request.Context(), c.Param("client"), c.Param("project"))
	s.respondBool(c, ok, err)
}

func (s *Server) ready(c *gin.Context) {
	ok, err := s.broker.IsProjectReadyForDownload(c.Request.Context(), c.Param("client"), c.Param("project"))
	s.respondBool(c, ok, err)
}

func (s *Server) respondBool(c *gin.Context, value bool, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, boolResponse{Value: value})
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.broker.ProjectList(c.Request.Context(), c.Param("client"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if projects == nil {
		projects = []domain.ProjectInfo{}
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) size(c *gin.Context) {
	size, err := s.broker.ProjectFileSize(c.Request.Context(), c.Param("client"), c.Param("project"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sizeResponse{Size: size})
}

func (s *Server) pause(c *gin.Context) {
	prior, err := s.broker.PauseProject(c.Request.Context(), c.Param("client"), c.Param("project"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stateResponse{PriorState: prior})
}

func (s *Server) resume(c *gin.Context) {
	prior, err := s.broker.ResumeProject(c.Request.Context(), c.Param("client"), c.Param("project"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stateResponse{PriorState: prior})
}

func (s *Server) cancel(c *gin.Context) {
	result, err := s.broker.CancelProject(c.Request.Context(), c.Param("client"), c.Param("project"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{Result: result})
}

func (s *Server) corrupted(c *gin.Context) {
	if err := s.broker.MarkProjectAsCorrupted(c.Request.Context(), c.Param("owner"), c.Param("project")); err != nil {
		s.fail(c, err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"owner":   c.Param("owner"),
		"project": c.Param("project"),
		"by":      c.GetString(subjectKey),
	}).Warn("project marked as corrupted")
	c.Status(http.StatusNoContent)
}

func (s *Server) setMemory(c *gin.Context) {
	s.setLimit(c, s.broker.SetMemoryLimit)
}

func (s *Server) setCores(c *gin.Context) {
	s.setLimit(c, s.broker.SetCoresLimit)
}

func (s *Server) setLimit(c *gin.Context, apply func(ctx context.Context, client string, v int) error) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	if req.Value <= 0 {
		abort(c, http.StatusBadRequest, codeBadRequest, fmt.Errorf("limit must be positive, got %d", req.Value))
		return
	}
	if err := apply(c.Request.Context(), c.Param("client"), req.Value); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) download(c *gin.Context) {
	ctx := c.Request.Context()
	client, project := c.Param("client"), c.Param("project")

	size, err := s.broker.ProjectFileSize(ctx, client, project)
	if err != nil {
		s.fail(c, err)
		return
	}
	stream, err := s.broker.DownloadProject(ctx, client, project)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, stream); err != nil {
		s.log.WithField("project", project).Warnf("download interrupted: %v", err)
	}
}

func (s *Server) upload(c *gin.Context) {
	req := broker.UploadRequest{
		ClientName:  c.Param("client"),
		ProjectName: c.Param("project"),
	}
	var err error
	if req.Priority, err = headerInt(c, HeaderPriority); err == nil {
		if req.Limits.CoresPerTask, err = headerInt(c, HeaderCoresPerTask); err == nil {
			if req.Limits.MemoryPerTaskMB, err = headerInt(c, HeaderMemoryPerTask); err == nil {
				req.Limits.TimePerTaskSeconds, err = headerInt(c, HeaderTimePerTask)
			}
		}
	}
	if err != nil {
		abort(c, http.StatusBadRequest, codeBadRequest, err)
		return
	}

	stream, err := s.broker.UploadProject(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	n, err := io.Copy(stream, c.Request.Body)
	if err != nil {
		stream.Abort(err)
		abort(c, http.StatusBadRequest, codeBadRequest, fmt.Errorf("payload stream broke after %d bytes: %w", n, err))
		return
	}
	if err := stream.Close(); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func headerInt(c *gin.Context, name string) (int, error) {
	raw := c.GetHeader(name)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("header %s: invalid value %q", name, raw)
	}
	return v, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithField("path", c.FullPath()).Errorf("broker call failed: %v", err)
	}
	abort(c, status, code, err)
}

func abort(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: code})
}
