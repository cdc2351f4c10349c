package github_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/buildcast/internal/domain"
)

type Client struct {
	baseUrl string
	hc      *http.Client
}

func New(baseUrl string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		hc:      &http.Client{Transport: tr, Timeout: timeout},
	}
}

// HTTPError is a non-success answer from the host.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("github %d: %s", e.Status, e.Body)
}

// Is reports a 401 as domain.ErrUnauthorized.
func (e *HTTPError) Is(target error) bool {
	return target == domain.ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ExchangeInstallationToken trades an app assertion for an installation
// token. It makes exactly one request; retrying is up to the caller.
func (c *Client) ExchangeInstallationToken(ctx context.Context, installationID int64, assertion string) (domain.InstallationToken, error) {
	url := c.baseUrl + "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.once(ctx, http.MethodPost, url, assertion, nil, http.StatusCreated, &out); err != nil {
		return domain.InstallationToken{}, fmt.Errorf("token exchange for installation %d: %w", installationID, err)
	}
	if out.Token == "" {
		return domain.InstallationToken{}, fmt.Errorf("token exchange for installation %d: empty token", installationID)
	}

	return domain.InstallationToken{
		InstallationID: installationID,
		Token:          out.Token,
		ExpiresAt:      out.ExpiresAt,
	}, nil
}

type checkRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type checkRunDTO struct {
	Name        string          `json:"name,omitempty"`
	HeadSHA     string          `json:"head_sha,omitempty"`
	Status      string          `json:"status,omitempty"`
	Conclusion  string          `json:"conclusion,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Output      *checkRunOutput `json:"output,omitempty"`
}

func (c *Client) CreateCheckRun(ctx context.Context, token string, run domain.CheckRun) (int64, error) {
	owner, repo, err := splitRepository(run.Repository)
	if err != nil {
		return 0, err
	}

	body := checkRunDTO{
		Name:    run.Name,
		HeadSHA: run.HeadSHA,
		Status:  run.Status,
	}
	if !run.StartedAt.IsZero() {
		started := run.StartedAt.UTC()
		body.StartedAt = &started
	}

	var out struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/check-runs", c.baseUrl, owner, repo)
	if err := c.retry(ctx, http.MethodPost, url, token, body, http.StatusCreated, &out); err != nil {
		return 0, fmt.Errorf("creating check run for %s@%s: %w", run.Repository, run.HeadSHA, err)
	}
	return out.ID, nil
}

func (c *Client) UpdateCheckRun(ctx context.Context, token string, run domain.CheckRun) error {
	body := checkRunDTO{Status: run.Status}
	if run.Title != "" {
		body.Output = &checkRunOutput{Title: run.Title, Summary: run.Summary}
	}
	if err := c.patchCheckRun(ctx, token, run, body); err != nil {
		return fmt.Errorf("updating check run %d: %w", run.ID, err)
	}
	return nil
}

func (c *Client) CompleteCheckRun(ctx context.Context, token string, run domain.CheckRun) error {
	body := checkRunDTO{
		Status:     "completed",
		Conclusion: run.Conclusion,
	}
	if !run.CompletedAt.IsZero() {
		completed := run.CompletedAt.UTC()
		body.CompletedAt = &completed
	}
	if run.Title != "" {
		body.Output = &checkRunOutput{Title: run.Title, Summary: run.Summary}
	}
	if err := c.patchCheckRun(ctx, token, run, body); err != nil {
		return fmt.Errorf("completing check run %d: %w", run.ID, err)
	}
	return nil
}

func (c *Client) patchCheckRun(ctx context.Context, token string, run domain.CheckRun, body checkRunDTO) error {
	owner, repo, err := splitRepository(run.Repository)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/check-runs/%d", c.baseUrl, owner, repo, run.ID)
	return c.retry(ctx, http.MethodPatch, url, token, body, http.StatusOK, nil)
}

// retry repeats transient failures (network errors, 429, 5xx) within a
// short budget; other non-success answers are permanent. POST creates a
// resource, so it is only repeated after a 429, which GitHub sends
// without processing the request.
func (c *Client) retry(ctx context.Context, method, url, token string, body any, want int, out any) error {
	op := func() error {
		err := c.once(ctx, method, url, token, body, want, out)
		if err == nil {
			return nil
		}
		he, ok := err.(*HTTPError)
		if ok && he.Status == http.StatusTooManyRequests {
			return err
		}
		if method == http.MethodPost || (ok && he.Status < 500) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Client) once(ctx context.Context, method, url, token string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func splitRepository(s string) (string, string, error) {
	owner, repo, ok := strings.Cut(s, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", s)
	}
	return owner, repo, nil
}
