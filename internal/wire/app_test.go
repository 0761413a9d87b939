package wire

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/pairipc/internal/config"
	"github.com/mithrel/pairipc/internal/ipc"
)

func newTestApp(t *testing.T, set map[string]any) *App {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	v := viper.New()
	require.NoError(t, config.Load(context.Background(), v))
	for k, val := range set {
		v.Set(k, val)
	}
	app, err := BuildApp(context.Background(), v)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestBuildAppRejectsInvalidConfig(t *testing.T) {
	v := viper.New()
	require.NoError(t, config.Load(context.Background(), v))
	v.Set("log.level", "shout")
	_, err := BuildApp(context.Background(), v)
	assert.ErrorContains(t, err, "log.level")
}

func TestNewEndpointFromConfig(t *testing.T) {
	app := newTestApp(t, map[string]any{
		"partner_port":  4999,
		"decode.strict": true,
		"send.rate":     100.0,
		"send.burst":    4,
	})
	e, err := app.NewEndpoint()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.NotZero(t, e.Port())
	assert.Equal(t, 4999, e.PartnerPort())
}

func TestExtraOptionsWin(t *testing.T) {
	app := newTestApp(t, map[string]any{"partner_port": 4999})
	e, err := app.NewEndpoint(ipc.WithPartnerPort(5001))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	assert.Equal(t, 5001, e.PartnerPort())
}

func TestMetricsHandlerExposesEndpointCounters(t *testing.T) {
	app := newTestApp(t, nil)
	e, err := app.NewEndpoint()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	resp, err := http.Post(e.Address().String(), "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	srv := httptest.NewServer(app.MetricsHandler())
	t.Cleanup(srv.Close)
	mresp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pairipc_messages_received_total")
	assert.Contains(t, string(body), "go_goroutines")
}
