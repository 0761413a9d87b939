package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Ping is the probe message exchanged by the ping and listen commands.
type Ping struct {
	Seq    int       `json:"seq" ipc:"required"`
	From   int       `json:"from" ipc:"required"`
	Note   string    `json:"note,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// logFields describes a received ping. Latency is only reported when the
// sender stamped the ping.
func (p Ping) logFields(now time.Time) []zap.Field {
	fields := []zap.Field{zap.Int("seq", p.Seq), zap.Int("from", p.From)}
	if p.Note != "" {
		fields = append(fields, zap.String("note", p.Note))
	}
	if !p.SentAt.IsZero() {
		fields = append(fields, zap.Duration("latency", now.Sub(p.SentAt)))
	}
	return fields
}

func newPingCmd() *cobra.Command {
	var count int
	var interval time.Duration
	var note string
	var wait bool
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send ping messages to the partner endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			e, err := newSendingEndpoint(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			for seq := 1; seq <= count; seq++ {
				start := time.Now()
				p := Ping{Seq: seq, From: e.Port(), Note: note, SentAt: start.UTC()}
				if err := e.Send(ctx, p); err != nil {
					return fmt.Errorf("ping %d: %w", seq, err)
				}
				_, _ = fmt.Fprintf(out, "ping %d to %s: %s\n", seq, e.PartnerAddress(), time.Since(start).Round(time.Microsecond))
				if seq < count {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
				}
			}
			if wait {
				<-ctx.Done()
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of pings")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between pings")
	cmd.Flags().StringVar(&note, "note", "", "free text carried in each ping")
	cmd.Flags().BoolVar(&wait, "wait", false, "keep the endpoint open until interrupted")
	cmd.Flags().Duration("timeout", 0, "send timeout (override config send.timeout)")
	cmd.Flags().Float64("rate", 0, "max pings per second (override config send.rate)")
	return cmd
}
