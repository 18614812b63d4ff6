// Package fanout delivers configuration-change notifications to the
// workers' loopback control surfaces.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwarden/chatwarden/internal/metrics"
)

// Notifier posts to 127.0.0.1:(portBase + botID). A worker that is
// down or restarting simply misses the notification and catches up on
// its next reconcile.
type Notifier struct {
	portBase int
	http     *http.Client
}

// New creates a notifier for the given worker port base.
func New(portBase int) *Notifier {
	return &Notifier{
		portBase: portBase,
		// Workers answer on loopback; anything slower than this is down.
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

// Notify posts one notification to a worker. body may be nil.
func (n *Notifier) Notify(ctx context.Context, botID int64, path string, body interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	u := fmt.Sprintf("http://127.0.0.1:%d%s", n.portBase+int(botID), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.http.Do(req)
	if err != nil {
		metrics.FanoutTotal.WithLabelValues("unreachable").Inc()
		return fmt.Errorf("notify bot %d %s: %w", botID, path, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.FanoutTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("notify bot %d %s: worker answered %d", botID, path, resp.StatusCode)
	}
	metrics.FanoutTotal.WithLabelValues("ok").Inc()
	return nil
}

// Broadcast best-effort delivers a notification to every listed bot.
// Returns the number of workers that acknowledged.
func (n *Notifier) Broadcast(ctx context.Context, botIDs []int64, path string) int {
	acked := 0
	for _, id := range botIDs {
		if err := n.Notify(ctx, id, path, nil); err != nil {
			slog.Debug("broadcast notification missed a worker", "bot", id, "path", path, "error", err)
			continue
		}
		acked++
	}
	return acked
}
