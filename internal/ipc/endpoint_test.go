package ipc_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/pairipc/internal/ipc"
)

type order struct {
	ID    string `json:"id" ipc:"required"`
	Items int    `json:"items"`
}

type color struct {
	Name string `json:"name" ipc:"required"`
	Hex  string `json:"hex"`
}

type point struct {
	X int `json:"x" ipc:"required"`
	Y int `json:"y" ipc:"required"`
}

type point3 struct {
	X int `json:"x" ipc:"required"`
	Y int `json:"y" ipc:"required"`
	Z int `json:"z" ipc:"required"`
}

// newPair builds two endpoints wired to each other. The second one takes
// the first one's default partner port, which another process may own, so
// a few attempts are made.
func newPair(t testing.TB, opts ...ipc.Option) (*ipc.Endpoint, *ipc.Endpoint) {
	t.Helper()
	for attempt := 0; attempt < 5; attempt++ {
		a, err := ipc.New(opts...)
		require.NoError(t, err)
		bOpts := append([]ipc.Option{ipc.WithPort(a.PartnerPort()), ipc.WithPartnerPort(a.Port())}, opts...)
		b, err := ipc.New(bOpts...)
		if errors.Is(err, ipc.ErrPortInUse) {
			_ = a.Close()
			continue
		}
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		return a, b
	}
	t.Fatal("could not find a free port pair")
	return nil, nil
}

// freePort returns a loopback port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func TestSendRoundTrip(t *testing.T) {
	a, b := newPair(t)
	var rec recorder[order]
	ipc.On(b, rec.add)

	want := order{ID: "o-1", Items: 3}
	require.NoError(t, a.Send(context.Background(), want))

	// Dispatch completes before the acknowledgement is written.
	assert.Equal(t, []order{want}, rec.values())
}

func TestSendBothDirections(t *testing.T) {
	a, b := newPair(t)
	var atA, atB recorder[color]
	ipc.On(a, atA.add)
	ipc.On(b, atB.add)

	require.NoError(t, a.Send(context.Background(), color{Name: "to-b"}))
	require.NoError(t, b.Send(context.Background(), color{Name: "to-a"}))

	assert.Equal(t, []color{{Name: "to-b"}}, atB.values())
	assert.Equal(t, []color{{Name: "to-a"}}, atA.values())
}

func TestStrictModeSkipsForeignShape(t *testing.T) {
	a, b := newPair(t, ipc.WithDecodeMode(ipc.Strict))
	var orders recorder[order]
	var colors recorder[color]
	ipc.On(b, orders.add)
	ipc.On(b, colors.add)

	require.NoError(t, a.Send(context.Background(), color{Name: "red", Hex: "#f00"}))

	assert.Empty(t, orders.values())
	assert.Equal(t, []color{{Name: "red", Hex: "#f00"}}, colors.values())
}

func TestDecodeModeChangesMatches(t *testing.T) {
	cases := []struct {
		mode       ipc.DecodeMode
		wantPoints int
	}{
		{ipc.Lenient, 1},
		{ipc.Strict, 0},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			a, b := newPair(t, ipc.WithDecodeMode(tc.mode))
			var flat recorder[point]
			var deep recorder[point3]
			ipc.On(b, flat.add)
			ipc.On(b, deep.add)

			require.NoError(t, a.Send(context.Background(), point3{X: 1, Y: 2, Z: 3}))

			assert.Len(t, flat.values(), tc.wantPoints)
			assert.Equal(t, []point3{{1, 2, 3}}, deep.values())
		})
	}
}

func TestRequiredFieldsGateLenientMatch(t *testing.T) {
	a, b := newPair(t)
	var orders recorder[order]
	ipc.On(b, orders.add)

	require.NoError(t, a.Send(context.Background(), color{Name: "blue"}))
	assert.Empty(t, orders.values())
}

func TestHandlersForSameShapeFireInOrder(t *testing.T) {
	a, b := newPair(t)
	var calls recorder[string]
	ipc.On(b, func(o order) { calls.add("first:" + o.ID) })
	ipc.On(b, func(o order) { calls.add("second:" + o.ID) })

	require.NoError(t, a.Send(context.Background(), order{ID: "x"}))
	assert.Equal(t, []string{"first:x", "second:x"}, calls.values())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a, b := newPair(t)
	var n atomic.Int32
	sub := ipc.On(b, func(order) { n.Add(1) })

	require.NoError(t, a.Send(context.Background(), order{ID: "1"}))
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, a.Send(context.Background(), order{ID: "2"}))

	assert.Equal(t, int32(1), n.Load())
	assert.Zero(t, b.Registry().Len())
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.Send(context.Background(), order{ID: "early"}))

	var rec recorder[order]
	ipc.On(b, rec.add)
	require.NoError(t, a.Send(context.Background(), order{ID: "late"}))

	assert.Equal(t, []order{{ID: "late"}}, rec.values())
}

func TestPanickingHandlerDoesNotStopSiblings(t *testing.T) {
	a, b := newPair(t)
	var rec recorder[order]
	ipc.On(b, func(order) { panic("boom") })
	ipc.On(b, rec.add)

	require.NoError(t, a.Send(context.Background(), order{ID: "p"}))
	require.NoError(t, a.Send(context.Background(), order{ID: "q"}))
	assert.Equal(t, []order{{ID: "p"}, {ID: "q"}}, rec.values())
}

func TestDefaultPartnerPort(t *testing.T) {
	e, err := ipc.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.NotZero(t, e.Port())
	assert.Equal(t, e.Port()+1, e.PartnerPort())
	assert.Equal(t, "http://localhost:"+strconv.Itoa(e.Port())+"/", e.Address().String())
	assert.Equal(t, "http://localhost:"+strconv.Itoa(e.Port()+1)+"/", e.PartnerAddress().String())
}

func TestPairedEndpointsAreSymmetric(t *testing.T) {
	a, b := newPair(t)
	assert.Equal(t, a.Port(), b.PartnerPort())
	assert.Equal(t, a.PartnerPort(), b.Port())
}

func TestExplicitPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, err = ipc.New(ipc.WithPort(l.Addr().(*net.TCPAddr).Port))
	require.ErrorIs(t, err, ipc.ErrPortInUse)
}

func TestInvalidPorts(t *testing.T) {
	_, err := ipc.New(ipc.WithPort(70000))
	require.ErrorIs(t, err, ipc.ErrInvalidPort)

	_, err = ipc.New(ipc.WithPartnerPort(-1))
	require.ErrorIs(t, err, ipc.ErrInvalidPort)
}

func TestSendToSilentPartnerFails(t *testing.T) {
	e, err := ipc.New(ipc.WithPartnerPort(freePort(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = e.Send(ctx, order{ID: "lost"})
	require.ErrorIs(t, err, ipc.ErrTransport)
	assert.NoError(t, ctx.Err(), "send should fail fast, not wait for the deadline")
}

func TestSendAfterClose(t *testing.T) {
	a, b := newPair(t)
	var n atomic.Int32
	ipc.On(b, func(order) { n.Add(1) })

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Send(context.Background(), order{ID: "late"})
	require.ErrorIs(t, err, ipc.ErrClosed)
	assert.NotErrorIs(t, err, ipc.ErrTransport)
	assert.Zero(t, n.Load())
}

func TestCloseDoesNotWaitForIdlePeer(t *testing.T) {
	e, err := ipc.New()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", e.Address().Host)
	require.NoError(t, err)
	defer conn.Close()
	// Give the loop time to accept and start reading.
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a connection that never sent a request")
	}
}

func TestSendToClosedPartner(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, b.Close())

	err := a.Send(context.Background(), order{ID: "x"})
	require.ErrorIs(t, err, ipc.ErrTransport)
}

func TestSendAsync(t *testing.T) {
	a, b := newPair(t)
	var rec recorder[order]
	ipc.On(b, rec.add)

	select {
	case err := <-a.SendAsync(context.Background(), order{ID: "async"}):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SendAsync did not complete")
	}
	assert.Equal(t, []order{{ID: "async"}}, rec.values())
}

func TestUnencodableValue(t *testing.T) {
	a, _ := newPair(t)
	err := a.Send(context.Background(), make(chan int))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ipc.ErrTransport)
}

type countingTransport struct {
	n    atomic.Int32
	next http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return c.next.RoundTrip(r)
}

func TestCallerSuppliedClient(t *testing.T) {
	rt := &countingTransport{next: http.DefaultTransport}
	client := &http.Client{Transport: rt}
	a, b := newPair(t, ipc.WithHTTPClient(client))
	var rec recorder[order]
	ipc.On(b, rec.add)

	require.NoError(t, a.Send(context.Background(), order{ID: "c"}))
	assert.Equal(t, int32(1), rt.n.Load())

	// Closing the endpoint leaves the client usable for its owner.
	require.NoError(t, a.Close())
	resp, err := client.Post(b.Address().String(), "", strings.NewReader(`{"id":"direct"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, []order{{ID: "c"}, {ID: "direct"}}, rec.values())
}

func TestReceiverAlwaysAcknowledges(t *testing.T) {
	e, err := ipc.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	for _, body := range []string{`{"id":"1"}`, `not json`, ``} {
		resp, err := http.Post(e.Address().String(), "text/plain", strings.NewReader(body))
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, b)
	}
}

func TestWireFormat(t *testing.T) {
	type captured struct {
		method, path, contentType string
		body                      []byte
	}
	got := make(chan captured, 1)
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{r.Method, r.URL.Path, r.Header.Get("Content-Type"), b}
	})}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	e, err := ipc.New(ipc.WithPartnerPort(l.Addr().(*net.TCPAddr).Port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Send(context.Background(), order{ID: "w", Items: 2}))
	c := <-got
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/", c.path)
	assert.Empty(t, c.contentType)
	assert.Equal(t, `{"id":"w","items":2}`, string(c.body))
}

func TestNonSuccessReplyIsTransportFailure(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	e, err := ipc.New(ipc.WithPartnerPort(l.Addr().(*net.TCPAddr).Port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.ErrorIs(t, e.Send(context.Background(), order{ID: "x"}), ipc.ErrTransport)
}

func TestSendLimit(t *testing.T) {
	a, _ := newPair(t, ipc.WithSendLimit(0.001, 1))
	require.NoError(t, a.Send(context.Background(), order{ID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.Send(ctx, order{ID: "2"}), ipc.ErrTransport)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, b := newPair(t, ipc.WithRegisterer(reg), ipc.WithDecodeMode(ipc.Strict))
	ipc.On(b, func(order) {})
	ipc.On(b, func(color) {})

	require.NoError(t, a.Send(context.Background(), order{ID: "m"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().Received))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().Matched.WithLabelValues("ipc_test.order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().Mismatched.WithLabelValues("ipc_test.color")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().Sent.WithLabelValues("ok")))

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send(context.Background(), order{}), ipc.ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().Sent.WithLabelValues("closed")))
}
