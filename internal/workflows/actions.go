package workflows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tallyworks/flowline/internal/engine"
	"github.com/tallyworks/flowline/internal/retry"
)

// RegisterBuiltins installs the handlers every deployment gets for free.
// Domain-specific handlers are registered by the embedding application on the
// same registry before flowline.Start.
func RegisterBuiltins(reg *engine.ActionRegistry) {
	reg.Register("log", logAction)
	reg.Register("sleep", sleepAction)
	reg.Register("http.get", httpGetAction)
}

func logAction(ctx context.Context, args map[string]any) (any, error) {
	msg, _ := args["message"].(string)
	slog.InfoContext(ctx, "Workflow log action", "message", msg)
	return nil, nil
}

func sleepAction(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("invalid sleep duration %q: %w", raw, err)}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return nil, nil
	}
}

// httpGetAction fetches a URL and returns the response body as a string.
// Network failures are transient so the consumer retries them with backoff.
func httpGetAction(ctx context.Context, args map[string]any) (any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, &retry.PermanentError{Err: errors.New("http.get requires a url argument")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &retry.PermanentError{Err: err}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &retry.TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &retry.TransientError{Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &retry.TransientError{Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &retry.PermanentError{Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}
	return string(body), nil
}
