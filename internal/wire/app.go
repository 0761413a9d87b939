package wire

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mithrel/pairipc/internal/config"
	"github.com/mithrel/pairipc/internal/ipc"
	"github.com/mithrel/pairipc/internal/logging"
)

// App aggregates the major services for easy injection.
type App struct {
	Cfg     *viper.Viper
	Log     *zap.Logger
	Metrics *prometheus.Registry
}

// BuildApp validates the loaded config and wires the logger and metrics
// registry.
func BuildApp(ctx context.Context, v *viper.Viper) (*App, error) {
	if err := config.CheckConfigValidity(v); err != nil {
		return nil, err
	}
	logger, err := logging.Setup(logging.FromViper(v))
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		Cfg:     v,
		Log:     logger,
		Metrics: reg,
	}, nil
}

// EndpointOptions translates configuration into endpoint options. Extra
// options are applied last and win.
func (a *App) EndpointOptions(extra ...ipc.Option) []ipc.Option {
	mode := ipc.Lenient
	if a.Cfg.GetBool("decode.strict") {
		mode = ipc.Strict
	}
	opts := []ipc.Option{
		ipc.WithPort(a.Cfg.GetInt("port")),
		ipc.WithPartnerPort(a.Cfg.GetInt("partner_port")),
		ipc.WithDecodeMode(mode),
		ipc.WithSendTimeout(a.Cfg.GetDuration("send.timeout")),
		ipc.WithLogger(a.Log),
		ipc.WithRegisterer(a.Metrics),
	}
	if r := a.Cfg.GetFloat64("send.rate"); r > 0 {
		opts = append(opts, ipc.WithSendLimit(r, a.Cfg.GetInt("send.burst")))
	}
	return append(opts, extra...)
}

// NewEndpoint builds an endpoint from configuration.
func (a *App) NewEndpoint(extra ...ipc.Option) (*ipc.Endpoint, error) {
	return ipc.New(a.EndpointOptions(extra...)...)
}

// MetricsHandler serves the app's registry in the Prometheus text format.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{Registry: a.Metrics})
}

// Close flushes the logger.
func (a *App) Close() error {
	_ = a.Log.Sync()
	return nil
}
