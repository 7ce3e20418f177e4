package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minerlink/minerlink/pkg/auth"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

const apiPrefix = "/api/v1"

// maxErrorBody caps how much of an error response is kept as detail.
const maxErrorBody = 4096

// client sends authenticated requests to the service.
type client struct {
	baseURL string
	http    *http.Client
	auth    auth.TokenProvider
	logger  *telemetry.Logger
}

func newHTTPClient(cfg Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}
}

// request describes one call. Body is replayable so the call can be retried
// after a token refresh.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	resource    string
	op          string
}

// do sends req. A 401 answer triggers one token refresh and one retry.
// Any status is returned to the caller; only transport failures are errors.
func (c *client) do(ctx context.Context, req request) (*http.Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.auth == nil {
		return resp, nil
	}
	drain(resp)

	c.logger.Debug("session may have expired, refreshing credentials")
	if err := c.auth.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.send(ctx, req)
}

func (c *client) send(ctx context.Context, req request) (*http.Response, error) {
	u := c.baseURL + apiPrefix + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid request", err).WithResource(req.resource).WithOp(req.op)
	}
	if req.contentType != "" {
		hr.Header.Set("Content-Type", req.contentType)
	}
	hr.Header.Set("Accept", "application/json, application/octet-stream")
	if c.auth != nil {
		header, err := c.auth.AuthHeader(ctx)
		if err != nil {
			return nil, err
		}
		hr.Header.Set("Authorization", header)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.KindTimeout, "request timed out", err).WithResource(req.resource).WithOp(req.op)
		}
		return nil, errs.Wrap(errs.KindInternal, "request failed", err).WithResource(req.resource).WithOp(req.op)
	}
	return resp, nil
}

// statusError classifies a non-success response and closes its body.
func statusError(resp *http.Response, req request) error {
	defer drain(resp)
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(msg))

	kind := errs.KindInternal
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = errs.KindNotFound
	case http.StatusUnauthorized:
		kind = errs.KindAuthenticationFailed
	case http.StatusForbidden:
		kind = errs.KindPermissionDenied
	case http.StatusRequestEntityTooLarge:
		kind = errs.KindSizeLimitExceeded
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = errs.KindTimeout
	case http.StatusBadRequest:
		kind = errs.KindInvalidArgument
	}
	e := errs.Newf(kind, "%s %s failed with status %d", req.method, req.path, resp.StatusCode).
		WithResource(req.resource).
		WithOp(req.op).
		WithDetail("status", resp.StatusCode)
	if text != "" {
		e = e.WithDetail("body", text)
	}
	return e
}

// drain discards what is left of the body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

// getJSON decodes a 200 response into out.
func (c *client) getJSON(ctx context.Context, req request, out interface{}) error {
	req.method = http.MethodGet
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, req)
	}
	defer drain(resp)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindInternal, fmt.Sprintf("invalid response from %s", req.path), err).WithResource(req.resource).WithOp(req.op)
	}
	return nil
}

// sendJSON posts in and decodes the answer into out when out is not nil.
func (c *client) sendJSON(ctx context.Context, req request, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "request body is not serializable", err)
	}
	req.body = body
	req.contentType = "application/json"
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return statusError(resp, req)
	}
	defer drain(resp)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindInternal, fmt.Sprintf("invalid response from %s", req.path), err).WithResource(req.resource).WithOp(req.op)
	}
	return nil
}
