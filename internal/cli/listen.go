package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mithrel/pairipc/internal/ipc"
)

func newListenCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Start an endpoint and print every message it receives",
		Long: "Start an endpoint and print every JSON message it receives, one per line.\n" +
			"Ping messages are also logged with their delivery latency.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			e, err := app.NewEndpoint()
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			ipc.On(e, func(p Ping) {
				app.Log.Info("ping received", p.logFields(time.Now())...)
			})
			ipc.On(e, func(m json.RawMessage) {
				if pretty {
					var buf bytes.Buffer
					if err := json.Indent(&buf, m, "", "  "); err == nil {
						m = buf.Bytes()
					}
				}
				_, _ = fmt.Fprintln(out, string(m))
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr := app.Cfg.GetString("metrics.addr"); addr != "" {
				stopMetrics, err := serveMetrics(addr, app.MetricsHandler())
				if err != nil {
					return err
				}
				defer stopMetrics()
				app.Log.Info("metrics listening", zap.String("addr", addr))
			}

			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s (partner %s)\n", e.Address(), e.PartnerAddress())
			<-ctx.Done()
			return e.Close()
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent received JSON")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (override config metrics.addr)")
	return cmd
}

// serveMetrics binds addr before returning so a bad address fails the
// command instead of a background goroutine.
func serveMetrics(addr string, h http.Handler) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
