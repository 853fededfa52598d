package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome classifies the result of a single request against an upstream.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeConnError
	OutcomeBadStatus
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeConnError:
		return "connError"
	case OutcomeBadStatus:
		return "badStatus"
	}
	return "unknown"
}

type PoolOptions struct {
	// Default timeout applied per request when the caller's context carries no deadline.
	Timeout         time.Duration
	MaxConnsPerHost int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// Transports older than this are recreated and the old one drained.
	// Defense against socket leaks under timeout storms.
	MaxTransportAge time.Duration
	// SOCKS5 proxy address used for upstreams that are configured (or adapted) to be proxied.
	SocksProxyAddr string
	// Number of consecutive timeout/connection errors after which an upstream
	// is switched onto the SOCKS5 proxy. 0 disables the adaptation.
	ProxyStreakLimit int
}

func NewPoolOpts(timeout time.Duration, socksProxyAddr string, proxyStreakLimit int) PoolOptions {
	opts := DefaultPoolOpts
	opts.Timeout = timeout
	opts.SocksProxyAddr = socksProxyAddr
	opts.ProxyStreakLimit = proxyStreakLimit
	return opts
}

var DefaultPoolOpts = PoolOptions{
	Timeout:          60 * time.Second,
	MaxConnsPerHost:  100,
	MaxIdleConns:     20,
	IdleConnTimeout:  30 * time.Second,
	MaxTransportAge:  5 * time.Minute,
	ProxyStreakLimit: 5,
}

// Pool hands out one logical HTTP client per upstream-service name.
// All clients of a pool share the same socket-lifecycle settings.
type Pool struct {
	opts      PoolOptions
	lock      sync.Mutex
	upstreams map[string]*Upstream
	// Upstreams that are routed through the SOCKS5 proxy from the start
	proxiedUpstreams map[string]struct{}
	logger           *zap.Logger
}

func NewPool(opts PoolOptions, proxiedUpstreams []string, logger *zap.Logger) *Pool {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultPoolOpts.Timeout
	}
	if opts.MaxConnsPerHost == 0 {
		opts.MaxConnsPerHost = DefaultPoolOpts.MaxConnsPerHost
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = DefaultPoolOpts.MaxIdleConns
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = DefaultPoolOpts.IdleConnTimeout
	}
	if opts.MaxTransportAge == 0 {
		opts.MaxTransportAge = DefaultPoolOpts.MaxTransportAge
	}
	proxied := make(map[string]struct{}, len(proxiedUpstreams))
	for _, name := range proxiedUpstreams {
		proxied[strings.ToLower(name)] = struct{}{}
	}
	return &Pool{
		opts:             opts,
		upstreams:        map[string]*Upstream{},
		proxiedUpstreams: proxied,
		logger:           logger,
	}
}

// Upstream returns the client for the given upstream-service name, creating it on first use.
func (p *Pool) Upstream(name string) *Upstream {
	name = strings.ToLower(name)
	p.lock.Lock()
	defer p.lock.Unlock()
	if u, ok := p.upstreams[name]; ok {
		return u
	}
	_, proxied := p.proxiedUpstreams[name]
	u := &Upstream{
		name:    name,
		pool:    p,
		proxied: proxied,
		logger:  p.logger.With(zap.String("upstream", name)),
	}
	u.transport, u.transportBorn = u.newTransport()
	p.upstreams[name] = u
	return u
}

// ProxiedUpstreams returns the names of the upstreams currently routed
// through the SOCKS5 proxy, whether configured or adapted.
func (p *Pool) ProxiedUpstreams() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	names := []string{}
	for name, u := range p.upstreams {
		if u.Proxied() {
			names = append(names, name)
		}
	}
	return names
}

// Close drains every transport of the pool. Call on shutdown.
func (p *Pool) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, u := range p.upstreams {
		u.lock.Lock()
		u.transport.CloseIdleConnections()
		u.lock.Unlock()
	}
	p.logger.Debug("Drained all upstream transports", zap.Int("upstreamCount", len(p.upstreams)))
}

// Upstream is the HTTP client for one upstream service.
// It recycles its transport after a maximum age and classifies every response.
type Upstream struct {
	name string
	pool *Pool

	lock          sync.Mutex
	transport     *http.Transport
	transportBorn time.Time
	proxied       bool
	errorStreak   int

	logger *zap.Logger
}

func (u *Upstream) newTransport() (*http.Transport, time.Time) {
	opts := u.pool.opts
	transport := &http.Transport{
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if u.proxied && opts.SocksProxyAddr != "" {
		proxyTransport, err := newSOCKS5transport(opts.SocksProxyAddr, opts)
		if err != nil {
			u.logger.Error("Couldn't create SOCKS5 transport, falling back to direct", zap.Error(err))
		} else {
			transport = proxyTransport
		}
	}
	return transport, time.Now()
}

// Do executes the request with the upstream's current transport.
// The request inherits the pool's default timeout when its context has no deadline.
func (u *Upstream) Do(req *http.Request) (*http.Response, Outcome, error) {
	client := &http.Client{
		Transport: u.currentTransport(),
	}
	ctx := req.Context()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.pool.opts.Timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	res, err := client.Do(req)
	outcome := u.classify(res, err)
	u.track(outcome)
	if err != nil {
		return nil, outcome, err
	}
	return res, outcome, nil
}

// currentTransport returns the transport to use, recreating it when it exceeded its maximum age.
// The swap happens under the lock; the old transport is drained out-of-band.
func (u *Upstream) currentTransport() *http.Transport {
	u.lock.Lock()
	defer u.lock.Unlock()
	if time.Since(u.transportBorn) > u.pool.opts.MaxTransportAge {
		old := u.transport
		u.transport, u.transportBorn = u.newTransport()
		go old.CloseIdleConnections()
		u.logger.Debug("Recycled transport", zap.Duration("maxTransportAge", u.pool.opts.MaxTransportAge))
	}
	return u.transport
}

func (u *Upstream) classify(res *http.Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return OutcomeTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return OutcomeTimeout
		}
		return OutcomeConnError
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return OutcomeBadStatus
	}
	return OutcomeSuccess
}

// track updates the error streak and adapts the proxy routing when the streak limit is hit.
func (u *Upstream) track(outcome Outcome) {
	u.lock.Lock()
	defer u.lock.Unlock()
	switch outcome {
	case OutcomeTimeout, OutcomeConnError:
		u.errorStreak++
	default:
		u.errorStreak = 0
		return
	}
	limit := u.pool.opts.ProxyStreakLimit
	if limit <= 0 || u.proxied || u.pool.opts.SocksProxyAddr == "" {
		return
	}
	if u.errorStreak >= limit {
		u.logger.Warn("Persistent error streak, routing upstream through SOCKS5 proxy",
			zap.Int("errorStreak", u.errorStreak),
			zap.String("socksProxyAddr", u.pool.opts.SocksProxyAddr))
		u.proxied = true
		u.errorStreak = 0
		old := u.transport
		u.transport, u.transportBorn = u.newTransport()
		go old.CloseIdleConnections()
	}
}

// Proxied reports whether the upstream is currently routed through the SOCKS5 proxy.
func (u *Upstream) Proxied() bool {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.proxied
}
