package httpexec

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
	DefaultMaxBodyBytes   = 1 << 20

	dialTimeout     = 10 * time.Second
	idleConnTimeout = 90 * time.Second
)

// ErrResourceExhausted is the only error Execute returns. Everything that can
// go wrong talking to the target is reported inside Result instead.
var ErrResourceExhausted = errors.New("resource exhausted")

// Config tunes the shared client.
type Config struct {
	Timeout time.Duration
	// MaxConns caps concurrently open requests. Zero means unbounded.
	MaxConns int
	// AcquireTimeout is how long a caller waits for a free slot before
	// getting ErrResourceExhausted.
	AcquireTimeout     time.Duration
	MaxBodyBytes       int64
	InsecureSkipVerify bool
	UserAgent          string
}

// RequestSpec describes one request. Name tags it in reports; it defaults to
// the URL.
type RequestSpec struct {
	Name   string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result is produced once per Execute call and not modified afterwards.
type Result struct {
	Name       string
	StatusCode int
	Latency    time.Duration
	// Waiting is the time from request written to first response byte.
	Waiting   time.Duration
	Body      []byte
	Bytes     int64
	Header    http.Header
	Err       error
	TimedOut  bool
	ConnReuse bool
	// Aborted is set when the request was never issued because the run was
	// already stopping.
	Aborted bool
}

// OK reports a completed request with a 2xx status.
func (r Result) OK() bool {
	return r.Err == nil && !r.Aborted && r.StatusCode >= 200 && r.StatusCode < 300
}

// Executor issues requests over one pooled client. It is safe for concurrent
// use by any number of virtual users.
type Executor struct {
	cfg    Config
	client *http.Client
	slots  chan struct{}
}

func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	poolSize := cfg.MaxConns
	if poolSize <= 0 {
		poolSize = 2000
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = poolSize
	t.MaxConnsPerHost = poolSize
	t.MaxIdleConnsPerHost = poolSize
	t.IdleConnTimeout = idleConnTimeout
	t.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	e := &Executor{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: t,
		},
	}
	if cfg.MaxConns > 0 {
		e.slots = make(chan struct{}, cfg.MaxConns)
	}
	return e
}

// Timeout is the per-request timeout; it bounds how long a stopping run can
// be held up by a single slow request.
func (e *Executor) Timeout() time.Duration {
	return e.cfg.Timeout
}

// Execute performs one request. The request is not cancelled when ctx is
// cancelled; only the per-request timeout bounds it.
func (e *Executor) Execute(ctx context.Context, spec RequestSpec) (Result, error) {
	res := Result{Name: spec.Name}
	if res.Name == "" {
		res.Name = spec.URL
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	// trace hooks fire on transport goroutines
	wrote, firstByte := atomic.NewInt64(0), atomic.NewInt64(0)
	reused := atomic.NewBool(false)
	trace := &httptrace.ClientTrace{
		GotConn:              func(info httptrace.GotConnInfo) { reused.Store(info.Reused) },
		WroteRequest:         func(httptrace.WroteRequestInfo) { wrote.Store(time.Now().UnixNano()) },
		GotFirstResponseByte: func() { firstByte.Store(time.Now().UnixNano()) },
	}
	reqCtx = httptrace.WithClientTrace(reqCtx, trace)

	req, err := http.NewRequestWithContext(reqCtx, method, spec.URL, body)
	if err != nil {
		res.Err = errors.Wrap(err, "build request")
		return res, nil
	}
	for k, vs := range spec.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if e.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		res.Latency = time.Since(start)
		if isExhaustion(err) {
			return res, errors.Wrap(ErrResourceExhausted, err.Error())
		}
		res.Err = err
		res.TimedOut = isTimeout(err)
		return res, nil
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Header = resp.Header

	buf, readErr := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	rest, _ := io.Copy(io.Discard, resp.Body)
	res.Body = buf
	res.Bytes = int64(len(buf)) + rest
	res.Latency = time.Since(start)
	res.ConnReuse = reused.Load()
	if w, f := wrote.Load(), firstByte.Load(); w != 0 && f > w {
		res.Waiting = time.Duration(f - w)
	}
	if readErr != nil {
		res.Err = errors.Wrap(readErr, "read body")
		res.TimedOut = isTimeout(readErr)
	}
	return res, nil
}

func (e *Executor) acquire(ctx context.Context) (func(), error) {
	if e.slots == nil {
		return func() {}, nil
	}
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	default:
	}

	t := time.NewTimer(e.cfg.AcquireTimeout)
	defer t.Stop()
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-t.C:
		return nil, errors.Wrapf(ErrResourceExhausted, "no connection slot within %s", e.cfg.AcquireTimeout)
	case <-ctx.Done():
		return nil, errors.Wrap(ErrResourceExhausted, "cancelled while waiting for a connection slot")
	}
}

// CloseIdle drops pooled connections.
func (e *Executor) CloseIdle() {
	e.client.CloseIdleConnections()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isExhaustion(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.ENOBUFS)
}

// ErrorClass buckets a transport error into a short label for reports.
func ErrorClass(res Result) string {
	switch {
	case res.Err == nil:
		return ""
	case res.TimedOut:
		return "timeout"
	case errors.Is(res.Err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(res.Err, syscall.ECONNRESET):
		return "connection reset"
	}
	var dnsErr *net.DNSError
	if errors.As(res.Err, &dnsErr) {
		return "dns"
	}
	var opErr *net.OpError
	if errors.As(res.Err, &opErr) {
		return opErr.Op
	}
	return "other"
}
