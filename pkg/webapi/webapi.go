// Package webapi calls scoring endpoints deployed as Web API services. A
// table is posted as JSON rows and the answer is read back as a table.
package webapi

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
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/minerlink/minerlink/pkg/auth"
	"github.com/minerlink/minerlink/pkg/backend"
	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/orchestrator"
	"github.com/minerlink/minerlink/pkg/payload"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

const (
	groupPrefix = "webapi"
	apiContext  = "api/v1"

	// DefaultGroup is the group endpoints are deployed to unless told
	// otherwise.
	DefaultGroup = "DEFAULT"

	maxErrorBody = 4096
)

// Config locates one endpoint.
type Config struct {
	URL                string        `yaml:"url" json:"url" validate:"required,url"`
	Group              string        `yaml:"group" json:"group"`
	Endpoint           string        `yaml:"endpoint" json:"endpoint" validate:"required"`
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"min=0"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Client scores data against one endpoint. It is safe for concurrent use.
type Client struct {
	config Config
	url    string
	http   *http.Client
	auth   auth.TokenProvider
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for cfg. A nil provider sends no credentials.
func New(cfg Config, provider auth.TokenProvider, tel *telemetry.Telemetry, opts ...Option) (*Client, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid web api configuration", err)
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	tel = telemetry.OrNop(tel)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	c := &Client{
		config: cfg,
		url: strings.Join([]string{
			strings.TrimSuffix(cfg.URL, "/"), groupPrefix, url.PathEscape(cfg.Group), apiContext, "services", url.PathEscape(cfg.Endpoint),
		}, "/"),
		http:   &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		auth:   provider,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("webapi").WithField("endpoint", cfg.Endpoint),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL is the endpoint address without macros.
func (c *Client) URL() string { return c.url }

// Row is one record exchanged with an endpoint.
type Row = map[string]interface{}

type scoreResponse struct {
	Data    []json.RawMessage `json:"data"`
	Message string            `json:"message"`
}

// Score posts t and returns the scored table. Macros are passed as query
// parameters. Column order follows the first row of the answer.
func (c *Client) Score(ctx context.Context, t *payload.Table, macros map[string]interface{}) (*payload.Table, error) {
	var rows []Row
	if t != nil {
		if err := t.Validate(); err != nil {
			return nil, errs.Wrap(errs.KindInvalidArgument, "input table is invalid", err)
		}
		rows = TableRows(t)
	}
	raw, err := c.post(ctx, rows, macros)
	if err != nil {
		return nil, err
	}
	return rowsTable(raw)
}

// ScoreRows posts rows as they are and returns the answer rows undecoded
// into a table. Numbers come back as json.Number.
func (c *Client) ScoreRows(ctx context.Context, rows []Row, macros map[string]interface{}) ([]Row, error) {
	raw, err := c.post(ctx, rows, macros)
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		if err := dec.Decode(&out[i]); err != nil {
			return nil, errs.Wrap(errs.KindCorruptPayload, fmt.Sprintf("row %d is not an object", i), err)
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, rows []Row, macros map[string]interface{}) ([]json.RawMessage, error) {
	m, err := orchestrator.CoerceMacros(macros)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{{}}
	}
	body, err := json.Marshal(map[string]interface{}{"data": rows})
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedType, "rows are not serializable", err)
	}
	u := c.url
	if len(m) > 0 {
		q := url.Values{}
		for k, v := range m {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	var out scoreResponse
	err = c.tel.BackendCall(ctx, "webapi", "score", backend.ErrorKind, func(ctx context.Context) error {
		resp, err := c.do(ctx, u, body)
		if err != nil {
			return err
		}
		defer drain(resp)
		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return errs.Wrap(errs.KindCorruptPayload, "invalid response from web api", err).WithResource(c.url).WithOp("score")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.tel.Metrics.RecordBytes("webapi", "out", len(body))
	c.logger.Debugf("scored %d rows, got %d", len(rows), len(out.Data))
	return out.Data, nil
}

// do posts body, refreshing credentials once on 401.
func (c *Client) do(ctx context.Context, u string, body []byte) (*http.Response, error) {
	resp, err := c.send(ctx, u, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.auth == nil {
		return resp, nil
	}
	drain(resp)
	c.logger.Debug("credentials rejected, refreshing")
	if err := c.auth.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.send(ctx, u, body)
}

func (c *Client) send(ctx context.Context, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "invalid request", err).WithResource(c.url).WithOp("score")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		header, err := c.auth.AuthHeader(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", header)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.KindTimeout, "request timed out", err).WithResource(c.url).WithOp("score")
		}
		return nil, errs.Wrap(errs.KindInternal, "request failed", err).WithResource(c.url).WithOp("score")
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("could not score data, status: %d", resp.StatusCode)
	var body struct {
		Message string `json:"message"`
		Error   *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil {
		switch {
		case body.Message != "":
			msg += ". Message: " + body.Message
		case body.Error != nil:
			msg += ". Message: " + strings.TrimSpace(body.Error.Type+" "+body.Error.Message)
		}
	}

	kind := errs.KindExecutionFailed
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
	}
	return errs.New(kind, msg).WithResource(c.url).WithOp("score").WithDetail("status", resp.StatusCode)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
