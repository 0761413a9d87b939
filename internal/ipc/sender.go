package ipc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// sender posts encoded payloads to the partner. It holds no state between
// calls, so sends may run concurrently with each other and with the
// listener.
type sender struct {
	client  *http.Client
	target  string
	codec   Codec
	limiter *rate.Limiter
}

func (s *sender) send(ctx context.Context, v any) error {
	b, err := s.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode %T: %w", v, err)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("ipc: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: partner replied %s", ErrTransport, resp.Status)
	}
	return nil
}
