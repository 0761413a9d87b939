package ipc

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// readTimeout bounds how long a single peer may hold the loop while its
// request is being read.
const readTimeout = 30 * time.Second

// maxDrain caps how much of an unconsumed body is discarded before the
// connection is closed.
const maxDrain = 1 << 20

// receiveFunc consumes one request body.
type receiveFunc func(body io.Reader) (int, error)

// listener is the endpoint's inbound side: one goroutine accepting one
// connection at a time, answering each request before taking the next.
type listener struct {
	l       net.Listener
	receive receiveFunc
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	conn     net.Conn
	stopping bool

	done chan struct{}
	err  error
}

func newListener(l net.Listener, receive receiveFunc, log *zap.Logger, m *Metrics) *listener {
	return &listener{l: l, receive: receive, log: log, metrics: m, done: make(chan struct{})}
}

// run is the accept loop. It returns when the net.Listener is closed; any
// other accept failure or a receive contract violation stops the loop and
// is kept for wait.
func (s *listener) run() {
	defer close(s.done)
	s.log.Debug("listener started", zap.Stringer("addr", s.l.Addr()))
	for {
		conn, err := s.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Debug("listener closed")
				return
			}
			s.err = err
			s.log.Error("accept failed", zap.Error(err))
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		err = s.serve(conn)
		s.track(nil)
		if err != nil {
			s.err = err
			s.log.Error("listener stopped", zap.Error(err))
			_ = s.l.Close()
			return
		}
	}
}

// track records the connection being served and arms its read deadline. It
// reports false once stop has been called.
func (s *listener) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	if conn != nil {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	s.conn = conn
	return true
}

// stop closes the net.Listener and expires the deadline of the connection
// in flight, so a peer that never finishes its request cannot hold the loop.
func (s *listener) stop() {
	s.mu.Lock()
	s.stopping = true
	if s.conn != nil {
		_ = s.conn.SetDeadline(time.Now())
	}
	s.mu.Unlock()
	_ = s.l.Close()
}

// serve handles the single request carried by conn. Only ErrNilBody is
// returned; everything else concerns this connection alone.
func (s *listener) serve(conn net.Conn) error {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.log.Debug("dropping malformed request", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return nil
	}
	defer req.Body.Close()
	if s.metrics != nil {
		s.metrics.Received.Inc()
	}

	var body io.Reader = req.Body
	var digest *digestReader
	if s.log.Core().Enabled(zap.DebugLevel) {
		digest = &digestReader{r: req.Body, h: blake3.New()}
		body = digest
	}
	status := http.StatusOK
	matched, err := s.receive(body)
	// Unread body bytes would turn the close below into a reset.
	_, _ = io.Copy(io.Discard, io.LimitReader(req.Body, maxDrain))
	switch {
	case errors.Is(err, ErrNilBody):
		return err
	case errors.Is(err, ErrClosed):
		status = http.StatusServiceUnavailable
	case err != nil:
		s.log.Debug("dropping unreadable request", zap.Error(err))
		return nil
	}
	if digest != nil {
		s.log.Debug("message received",
			zap.Int("bytes", digest.n),
			zap.String("blake3", digest.sum()),
			zap.Int("matched", matched))
	}

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header),
		ContentLength: 0,
		Close:         true,
	}
	if err := resp.Write(conn); err != nil {
		s.log.Debug("writing acknowledgement failed", zap.Error(err))
	}
	return nil
}

// wait blocks until run has returned and reports why it stopped.
func (s *listener) wait() error {
	<-s.done
	return s.err
}

// digestReader hashes the body as it is read so diagnostics can identify a
// payload without logging its contents.
type digestReader struct {
	r io.Reader
	h *blake3.Hasher
	n int
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.n += n
	_, _ = d.h.Write(p[:n])
	return n, err
}

func (d *digestReader) sum() string {
	return hex.EncodeToString(d.h.Sum(nil)[:8])
}
