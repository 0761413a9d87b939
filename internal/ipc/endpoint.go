package ipc

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Endpoint is one side of a paired loopback channel. It listens on Port and
// sends to PartnerPort.
type Endpoint struct {
	port        int
	partnerPort int

	reg        *Registry
	lis        *listener
	snd        *sender
	ownsClient bool
	log        *zap.Logger
	metrics    *Metrics
	registerer prometheus.Registerer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	port        int
	partnerPort int
	client      *http.Client
	sendTimeout time.Duration
	mode        DecodeMode
	log         *zap.Logger
	registerer  prometheus.Registerer
	sendRate    rate.Limit
	sendBurst   int
}

// Option configures an Endpoint.
type Option func(o *options)

// WithPort binds the endpoint to port. Zero, the default, picks a free
// ephemeral port.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithPartnerPort sets the port messages are sent to. Zero, the default,
// means the local port plus one.
func WithPartnerPort(port int) Option {
	return func(o *options) { o.partnerPort = port }
}

// WithHTTPClient sends through client. The caller keeps ownership: Close
// leaves it untouched.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithSendTimeout sets the timeout of the endpoint's own HTTP client. It has
// no effect together with WithHTTPClient.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithDecodeMode selects lenient or strict matching of incoming payloads.
func WithDecodeMode(mode DecodeMode) Option {
	return func(o *options) { o.mode = mode }
}

// WithLogger sets the diagnostic sink for listener lifecycle events.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegisterer registers the endpoint's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSendLimit throttles outbound sends to rps with the given burst.
// Throttled sends wait under the caller's context.
func WithSendLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.sendRate = rate.Limit(rps)
		o.sendBurst = burst
	}
}

// New binds the local port, resolves the partner port and starts the
// listener loop.
func New(opts ...Option) (*Endpoint, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	l, port, err := bindLoopback(o.port)
	if err != nil {
		return nil, err
	}
	partner, err := partnerFor(port, o.partnerPort)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	m, err := NewMetrics(o.registerer, port)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	log := o.log.With(zap.Int("port", port), zap.Int("partner_port", partner))
	codec := JSON(o.mode)
	e := &Endpoint{
		port:        port,
		partnerPort: partner,
		log:         log,
		metrics:     m,
		registerer:  o.registerer,
	}
	e.reg = NewRegistry(codec, log, m)

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: o.sendTimeout}
		e.ownsClient = true
	}
	e.snd = &sender{client: client, target: loopbackURL(partner).String(), codec: codec}
	if o.sendRate > 0 {
		burst := o.sendBurst
		if burst < 1 {
			burst = 1
		}
		e.snd.limiter = rate.NewLimiter(o.sendRate, burst)
	}

	e.lis = newListener(l, e.receive, log, m)
	go e.lis.run()
	log.Info("endpoint listening", zap.Stringer("mode", o.mode))
	return e, nil
}

// On registers fn for payloads decoding into T. Handlers run on the
// endpoint's listener goroutine, one message at a time, in registration
// order.
func On[T any](e *Endpoint, fn func(T)) *Subscription {
	return Handle(e.reg, fn)
}

// Registry exposes the endpoint's handler registry.
func (e *Endpoint) Registry() *Registry { return e.reg }

// Metrics exposes the endpoint's counters.
func (e *Endpoint) Metrics() *Metrics { return e.metrics }

func (e *Endpoint) receive(body io.Reader) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.reg.Receive(body)
}

// Send encodes v and posts it to the partner, returning once the partner
// has acknowledged it. It reports delivery only, not whether any partner
// handler matched.
func (e *Endpoint) Send(ctx context.Context, v any) error {
	if e.closed.Load() {
		e.metrics.Sent.WithLabelValues(sendClosed).Inc()
		return ErrClosed
	}
	if err := e.snd.send(ctx, v); err != nil {
		e.metrics.Sent.WithLabelValues(sendFailed).Inc()
		return err
	}
	e.metrics.Sent.WithLabelValues(sendOK).Inc()
	return nil
}

// SendAsync runs Send in the background. The returned channel yields
// exactly one result.
func (e *Endpoint) SendAsync(ctx context.Context, v any) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- e.Send(ctx, v) }()
	return ch
}

// Port is the bound local port.
func (e *Endpoint) Port() int { return e.port }

// PartnerPort is the port messages are sent to.
func (e *Endpoint) PartnerPort() int { return e.partnerPort }

// Address is http://localhost:<Port>/.
func (e *Endpoint) Address() *url.URL { return loopbackURL(e.port) }

// PartnerAddress is http://localhost:<PartnerPort>/.
func (e *Endpoint) PartnerAddress() *url.URL { return loopbackURL(e.partnerPort) }

// Close stops the listener, waits for the loop to exit and releases the
// endpoint's own HTTP client. It returns the error that stopped the loop,
// if the loop died before Close. Calling Close again returns the same
// result. Close must not be called from a handler.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.lis.stop()
		e.closeErr = e.lis.wait()
		if e.ownsClient {
			e.snd.client.CloseIdleConnections()
		}
		e.metrics.unregister(e.registerer)
		e.log.Info("endpoint closed")
	})
	return e.closeErr
}
