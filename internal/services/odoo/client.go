package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kolo/xmlrpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session is the cached result of a successful authenticate call
type Session struct {
	UID             int64
	AuthenticatedAt time.Time
}

// CallObserver is notified after every remote call
type CallObserver func(model, method string, d time.Duration, err error)

// Client represents an Odoo XML-RPC client
type Client struct {
	URL       string
	Database  string
	Username  string
	Password  string
	CommonURL string
	ObjectURL string

	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	limiter        *rate.Limiter
	transport      http.RoundTripper
	observer       CallObserver
	log            *zap.Logger

	mu      sync.Mutex
	session *Session
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxRetries sets how many times a transient failure is retried
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithInitialBackoff sets the first retry delay; later delays grow exponentially
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) { c.initialBackoff = d }
}

// WithRateLimit caps outgoing calls per second. Zero disables the limiter.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTransport overrides the HTTP transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithObserver registers a CallObserver
func WithObserver(o CallObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Odoo client
func NewClient(url, db, username, password string, opts ...Option) *Client {
	c := &Client{
		URL:            url,
		Database:       db,
		Username:       username,
		Password:       password,
		CommonURL:      fmt.Sprintf("%s/xmlrpc/2/common", url),
		ObjectURL:      fmt.Sprintf("%s/xmlrpc/2/object", url),
		timeout:        30 * time.Second,
		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
		transport:      http.DefaultTransport,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate authenticates with Odoo and caches the session
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) (Session, error) {
	var reply interface{}
	started := time.Now()
	args := []interface{}{c.Database, c.Username, c.Password, map[string]interface{}{}}

	err := c.withRetry(ctx, "common.authenticate", isTransient, func() error {
		return c.call(ctx, c.CommonURL, "authenticate", args, &reply)
	})
	c.observe("res.users", "authenticate", started, err)
	if err != nil {
		return Session{}, &AuthError{Username: c.Username, Err: err}
	}

	uid, ok := toInt64(reply)
	if !ok || uid == 0 {
		return Session{}, &AuthError{Username: c.Username}
	}

	c.session = &Session{UID: uid, AuthenticatedAt: time.Now()}
	c.log.Info("Odoo session established", zap.String("db", c.Database), zap.Int64("uid", uid))
	return *c.session, nil
}

// currentSession returns the cached session, authenticating on first use
func (c *Client) currentSession(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return *c.session, nil
	}
	return c.authenticateLocked(ctx)
}

// refreshSession drops the cached session unless another caller already replaced it
func (c *Client) refreshSession(ctx context.Context, stale Session) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.AuthenticatedAt.After(stale.AuthenticatedAt) {
		return *c.session, nil
	}
	c.session = nil
	return c.authenticateLocked(ctx)
}

// Execute runs execute_kw on model.method. A session expiry fault triggers
// one re-authentication and one replay.
func (c *Client) Execute(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}, reply interface{}) error {
	started := time.Now()
	sess, err := c.currentSession(ctx)
	if err != nil {
		return err
	}

	err = c.executeAs(ctx, sess, model, method, args, kwargs, reply)
	if err != nil && isSessionExpired(err) {
		c.log.Warn("Odoo session rejected, re-authenticating",
			zap.String("model", model), zap.String("method", method))
		sess, err = c.refreshSession(ctx, sess)
		if err != nil {
			c.observe(model, method, started, err)
			return err
		}
		err = c.executeAs(ctx, sess, model, method, args, kwargs, reply)
		if err != nil && isSessionExpired(err) {
			err = &AuthError{Username: c.Username, Err: err}
		}
	}
	c.observe(model, method, started, err)
	return err
}

func (c *Client) executeAs(ctx context.Context, sess Session, model, method string, args []interface{}, kwargs map[string]interface{}, reply interface{}) error {
	params := []interface{}{c.Database, sess.UID, c.Password, model, method, args}
	if kwargs != nil {
		params = append(params, kwargs)
	}
	retryable := isTransient
	if mutating[method] {
		retryable = notSent
	}
	return c.withRetry(ctx, model+"."+method, retryable, func() error {
		return c.call(ctx, c.ObjectURL, "execute_kw", params, reply)
	})
}

// withRetry retries failures accepted by retryable with exponential backoff.
// Any transient failure left over is returned as a TransientError.
func (c *Client) withRetry(ctx context.Context, op string, retryable func(error) bool, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx),
		func(err error, wait time.Duration) {
			c.log.Warn("Odoo call failed, retrying",
				zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		})

	if err != nil && isTransient(err) {
		return &TransientError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}

// call performs a single XML-RPC request bound to ctx and the client timeout
func (c *Client) call(ctx context.Context, endpoint, method string, args []interface{}, reply interface{}) error {
	client, err := xmlrpc.NewClient(endpoint, &deadlineTransport{ctx: ctx, timeout: c.timeout, base: c.transport})
	if err != nil {
		return fmt.Errorf("failed to create XML-RPC client: %w", err)
	}
	defer client.Close()

	return client.Call(method, args, reply)
}

func (c *Client) observe(model, method string, started time.Time, err error) {
	if c.observer == nil {
		return
	}
	c.observer(model, method, time.Since(started), err)
}

// SearchRead performs a generic search_read operation
// model: Odoo model name (e.g., "product.product")
// domain: search criteria
// fields: fields to fetch
// limit: max records (0 = no limit)
// offset: offset for pagination
// result: pointer to slice of structs with json tags
func (c *Client) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, limit, offset int, result interface{}) error {
	var rawResult []map[string]interface{}
	err := c.Execute(ctx, model, "search_read", []interface{}{domain}, map[string]interface{}{
		"fields": fields,
		"limit":  limit,
		"offset": offset,
	}, &rawResult)
	if err != nil {
		return fmt.Errorf("failed to execute search_read on %s: %w", model, err)
	}
	return DecodeRecords(rawResult, result)
}

// Search performs a generic search operation and returns IDs
func (c *Client) Search(ctx context.Context, model string, domain []interface{}, limit, offset int) ([]int64, error) {
	var ids []int64
	err := c.Execute(ctx, model, "search", []interface{}{domain}, map[string]interface{}{
		"limit":  limit,
		"offset": offset,
	}, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search on %s: %w", model, err)
	}
	return ids, nil
}

// Read reads records by IDs
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string, result interface{}) error {
	var rawResult []map[string]interface{}
	err := c.Execute(ctx, model, "read", []interface{}{ids}, map[string]interface{}{
		"fields": fields,
	}, &rawResult)
	if err != nil {
		return fmt.Errorf("failed to execute read on %s: %w", model, err)
	}
	return DecodeRecords(rawResult, result)
}

// Create creates a new record
func (c *Client) Create(ctx context.Context, model string, values map[string]interface{}) (int64, error) {
	var id int64
	if err := c.Execute(ctx, model, "create", []interface{}{values}, nil, &id); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", model, writeError(model, "create", err))
	}
	return id, nil
}

// Write updates existing record(s)
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) error {
	var success bool
	if err := c.Execute(ctx, model, "write", []interface{}{ids, values}, nil, &success); err != nil {
		return fmt.Errorf("failed to write %s: %w", model, writeError(model, "write", err))
	}
	if !success {
		return &RemoteWriteError{Model: model, Method: "write", Message: "write operation returned false"}
	}
	return nil
}

// Unlink deletes record(s)
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) error {
	var success bool
	if err := c.Execute(ctx, model, "unlink", []interface{}{ids}, nil, &success); err != nil {
		return fmt.Errorf("failed to delete %s: %w", model, writeError(model, "unlink", err))
	}
	if !success {
		return &RemoteWriteError{Model: model, Method: "unlink", Message: "unlink operation returned false"}
	}
	return nil
}

// CallMethod calls an arbitrary model method
func (c *Client) CallMethod(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}, result interface{}) error {
	if err := c.Execute(ctx, model, method, args, kwargs, result); err != nil {
		return fmt.Errorf("failed to call %s.%s: %w", model, method, err)
	}
	return nil
}

// DescribeFields describes the fields of a model
func (c *Client) DescribeFields(ctx context.Context, model string) (map[string]FieldInfo, error) {
	var raw map[string]interface{}
	err := c.Execute(ctx, model, "fields_get", []interface{}{}, map[string]interface{}{
		"attributes": []string{"type", "string", "required", "selection", "relation"},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", model, err)
	}

	fields := make(map[string]FieldInfo, len(raw))
	if err := DecodeRecords(raw, &fields); err != nil {
		return nil, err
	}
	for name, info := range fields {
		info.Name = name
		fields[name] = info
	}
	return fields, nil
}

// DecodeRecords converts raw XML-RPC maps into typed structs via JSON
func DecodeRecords(raw interface{}, result interface{}) error {
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal raw result: %w", err)
	}
	if err := json.Unmarshal(jsonData, result); err != nil {
		return fmt.Errorf("failed to unmarshal into target: %w", err)
	}
	return nil
}

// deadlineTransport binds each request to the caller context plus a timeout.
// The timeout is released when the response body is closed.
type deadlineTransport struct {
	ctx     context.Context
	timeout time.Duration
	base    http.RoundTripper
}

func (t *deadlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
