package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mithrel/pairipc/internal/ipc"
)

var errNoPartner = errors.New("a partner port is required (--partner-port or partner_port)")

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [json]",
		Short: "Send one JSON document to the partner endpoint",
		Long:  "Send one JSON document to the partner endpoint. Without an argument the document is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc []byte
			if len(args) == 1 {
				doc = []byte(args[0])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				doc = []byte(strings.TrimSpace(string(b)))
			}
			if !json.Valid(doc) {
				return fmt.Errorf("not a JSON document: %q", truncate(string(doc), 40))
			}

			e, err := newSendingEndpoint(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Send(cmd.Context(), json.RawMessage(doc)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent %d bytes to %s\n", len(doc), e.PartnerAddress())
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "send timeout (override config send.timeout)")
	return cmd
}

// newSendingEndpoint builds an endpoint for one-shot commands. Unless --port
// was given it binds an ephemeral port, so it never collides with a
// configured listener on the same machine.
func newSendingEndpoint(cmd *cobra.Command) (*ipc.Endpoint, error) {
	app := getApp(cmd)
	if app.Cfg.GetInt("partner_port") == 0 {
		return nil, errNoPartner
	}
	var extra []ipc.Option
	if f := cmd.Flags().Lookup("port"); f == nil || !f.Changed {
		extra = append(extra, ipc.WithPort(0))
	}
	return app.NewEndpoint(extra...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
