package httpbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
)

// errUploadAborted is sent through the request body when the uploader gives up.
var errUploadAborted = errors.New("upload aborted by client")

// Client talks to a Server. Call Login before any broker call.
type Client struct {
	base *url.URL
	http *http.Client
	log  *logrus.Entry

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, httpClient *http.Client, log *logrus.Entry) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("broker url must be http or https, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{base: base, http: httpClient, log: log}, nil
}

// Login exchanges the client's password for a session token.
func (c *Client) Login(ctx context.Context, clientName, password string) error {
	var resp tokenResponse
	err := c.call(ctx, http.MethodPost, "/v1/login", loginRequest{ClientName: clientName, Password: password}, &resp)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.log.WithField("expires_at", resp.ExpiresAt).Debug("broker session established")
	return nil
}

// Register creates an account on the broker with the operator's registration secret.
func (c *Client) Register(ctx context.Context, clientName, password, secret string) error {
	return c.call(ctx, http.MethodPost, "/v1/register", registerRequest{ClientName: clientName, Password: password, Secret: secret}, nil)
}

func clientPath(client string, parts ...string) string {
	segments := []string{"/v1/clients", url.PathEscape(client)}
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

func (c *Client) IsConnected(ctx context.Context, client string) (bool, error) {
	return c.getBool(ctx, clientPath(client, "connected"))
}

func (c *Client) IsProjectExists(ctx context.Context, client, project string) (bool, error) {
	return c.getBool(ctx, clientPath(client, "projects", project, "exists"))
}

func (c *Client) IsProjectReadyForDownload(ctx context.Context, client, project string) (bool, error) {
	return c.getBool(ctx, clientPath(client, "projects", project, "ready"))
}

func (c *Client) HasClientTasksInProgress(ctx context.Context, client string) (bool, error) {
	return c.getBool(ctx, clientPath(client, "in-progress"))
}

func (c *Client) getBool(ctx context.Context, path string) (bool, error) {
	var resp boolResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) ProjectFileSize(ctx context.Context, client, project string) (int64, error) {
	var resp sizeResponse
	if err := c.call(ctx, http.MethodGet, clientPath(client, "projects", project, "size"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (c *Client) ProjectList(ctx context.Context, client string) ([]domain.ProjectInfo, error) {
	var projects []domain.ProjectInfo
	if err := c.call(ctx, http.MethodGet, clientPath(client, "projects"), nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Client) PauseProject(ctx context.Context, client, project string) (domain.ProjectState, error) {
	var resp stateResponse
	if err := c.call(ctx, http.MethodPost, clientPath(client, "projects", project, "pause"), nil, &resp); err != nil {
		return "", err
	}
	return resp.PriorState, nil
}

func (c *Client) ResumeProject(ctx context.Context, client, project string) (domain.ProjectState, error) {
	var resp stateResponse
	if err := c.call(ctx, http.MethodPost, clientPath(client, "projects", project, "resume"), nil, &resp); err != nil {
		return "", err
	}
	return resp.PriorState, nil
}

func (c *Client) CancelProject(ctx context.Context, client, project string) (domain.CancelResult, error) {
	var resp cancelResponse
	if err := c.call(ctx, http.MethodPost, clientPath(client, "projects", project, "cancel"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

func (c *Client) MarkProjectAsCorrupted(ctx context.Context, owner, project string) error {
	path := strings.Join([]string{"/v1/owners", url.PathEscape(owner), "projects", url.PathEscape(project), "corrupted"}, "/")
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) SetMemoryLimit(ctx context.Context, client string, memoryMB int) error {
	return c.call(ctx, http.MethodPut, clientPath(client, "limits", "memory"), limitRequest{Value: memoryMB}, nil)
}

func (c *Client) SetCoresLimit(ctx context.Context, client string, cores int) error {
	return c.call(ctx, http.MethodPut, clientPath(client, "limits", "cores"), limitRequest{Value: cores}, nil)
}

func (c *Client) DownloadProject(ctx context.Context, client, project string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, clientPath(client, "projects", project, "payload"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", project, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// UploadProject starts a PUT whose body is fed by the returned stream. The
// broker's verdict arrives when the stream is closed.
func (c *Client) UploadProject(ctx context.Context, ur broker.UploadRequest) (broker.UploadStream, error) {
	pr, pw := io.Pipe()
	req, err := c.newRequest(ctx, http.MethodPut, clientPath(ur.ClientName, "projects", ur.ProjectName, "payload"), pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set(HeaderPriority, strconv.Itoa(ur.Priority))
	req.Header.Set(HeaderCoresPerTask, strconv.Itoa(ur.Limits.CoresPerTask))
	req.Header.Set(HeaderMemoryPerTask, strconv.Itoa(ur.Limits.MemoryPerTaskMB))
	req.Header.Set(HeaderTimePerTask, strconv.Itoa(ur.Limits.TimePerTaskSeconds))

	s := &uploadStream{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		resp, err := c.http.Do(req)
		if err != nil {
			s.err = fmt.Errorf("upload %s: %w", ur.ProjectName, err)
			pr.CloseWithError(s.err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			s.err = decodeError(resp)
		}
		// unblock writers if the server answered before reading everything
		pr.CloseWithError(errors.Join(errors.New("broker closed upload"), s.err))
	}()
	return s, nil
}

type uploadStream struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error // set before done is closed
}

func (s *uploadStream) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

func (s *uploadStream) Close() error {
	if err := s.pw.Close(); err != nil {
		return err
	}
	<-s.done
	return s.err
}

func (s *uploadStream) Abort(err error) {
	if err == nil {
		err = errUploadAborted
	}
	s.pw.CloseWithError(err)
	<-s.done
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = u.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// call sends in as JSON and decodes a 2xx answer into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&er)
	return errorFor(resp.StatusCode, er)
}

var _ broker.Broker = (*Client)(nil)
