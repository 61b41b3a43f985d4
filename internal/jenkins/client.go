package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haatos/runsync/internal"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const maxBodySize = 32 << 20

type Client struct {
	baseURL string
	user    string
	token   string
	config  internal.JenkinsConfiguration
	http    *http.Client
	logger  *zap.SugaredLogger

	extractors []ResultExtractor
}

func NewClient(
	baseURL, user, token string,
	config internal.JenkinsConfiguration,
	logger *zap.SugaredLogger,
) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		token:   token,
		config:  config,
		http:    &http.Client{},
		logger:  logger,
	}
	c.extractors = c.DefaultExtractors()
	return c
}

// jobPath expands "folder/job" into the nested /job/ segments Jenkins uses
// for folders.
func jobPath(job string) string {
	var b strings.Builder
	for segment := range strings.SplitSeq(strings.Trim(job, "/"), "/") {
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

func (c *Client) buildURL(job, buildID, suffix string) string {
	return c.baseURL + jobPath(job) + "/" + url.PathEscape(buildID) + suffix
}

// get performs a single authenticated GET bounded by timeout and returns the
// response body. Non-2xx responses are returned as *HTTPError.
func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, nil, &HTTPError{StatusCode: res.StatusCode, URL: rawURL}
	}

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, nil, err
	}
	return b, res.Header, nil
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.config.RetryBase)
	b = retry.WithCappedDuration(c.config.RetryCap, b)
	retries := uint64(0)
	if c.config.MaxAttempts > 1 {
		retries = c.config.MaxAttempts - 1
	}
	return retry.WithMaxRetries(retries, b)
}

// GetBuildStatus fetches a build's state. Server errors and transport
// failures are retried with capped exponential backoff; a 404 is reported as
// ErrBuildNotFound without retrying.
func (c *Client) GetBuildStatus(ctx context.Context, job, buildID string) (*BuildStatus, error) {
	u := c.buildURL(job, buildID, "/api/json")
	attempt := 0
	return retry.DoValue(ctx, c.backoff(), func(ctx context.Context) (*BuildStatus, error) {
		attempt++
		b, _, err := c.get(ctx, u, c.config.StatusTimeout)
		if err != nil {
			var httpErr *HTTPError
			switch {
			case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
				return nil, fmt.Errorf("%s #%s: %w", job, buildID, ErrBuildNotFound)
			case errors.As(err, &httpErr) && !httpErr.Retryable():
				return nil, err
			case ctx.Err() != nil:
				return nil, ctx.Err()
			}
			c.logger.Warnw("jenkins build status request failed",
				"job", job,
				"build_id", buildID,
				"attempt", attempt,
				"error", err,
			)
			return nil, retry.RetryableError(err)
		}

		bs := new(BuildStatus)
		if err := json.Unmarshal(b, bs); err != nil {
			return nil, fmt.Errorf("decoding build status for %s #%s: %w", job, buildID, err)
		}
		return bs, nil
	})
}

// GetBuildLog returns console output starting at the given byte offset, the
// offset to continue from and whether Jenkins has more output to stream.
func (c *Client) GetBuildLog(
	ctx context.Context,
	job, buildID string,
	start int64,
) (string, int64, bool, error) {
	u := c.buildURL(job, buildID, "/logText/progressiveText?start="+strconv.FormatInt(start, 10))
	b, header, err := c.get(ctx, u, c.config.LogTimeout)
	if err != nil {
		return "", start, false, err
	}
	next := start + int64(len(b))
	if size, err := strconv.ParseInt(header.Get("X-Text-Size"), 10, 64); err == nil {
		next = size
	}
	return string(b), next, header.Get("X-More-Data") == "true", nil
}

func (c *Client) getTestReport(ctx context.Context, job, buildID string) ([]byte, error) {
	b, _, err := c.get(ctx, c.buildURL(job, buildID, "/testReport/api/json"), c.config.StatusTimeout)
	return b, err
}

func (c *Client) getArtifactList(ctx context.Context, job, buildID string) ([]byte, error) {
	b, _, err := c.get(ctx, c.buildURL(job, buildID, "/api/json?tree=artifacts[*]"), c.config.StatusTimeout)
	return b, err
}

func (c *Client) getArtifact(ctx context.Context, job, buildID, relativePath string) ([]byte, error) {
	segments := strings.Split(relativePath, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	u := c.buildURL(job, buildID, "/artifact/"+strings.Join(segments, "/"))
	b, _, err := c.get(ctx, u, c.config.LogTimeout)
	return b, err
}

// CheckConnection verifies that Jenkins answers authenticated API requests.
func (c *Client) CheckConnection(ctx context.Context) error {
	_, _, err := c.get(ctx, c.baseURL+"/api/json", c.config.StatusTimeout)
	return err
}
