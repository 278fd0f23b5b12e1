package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// WebSocketURL derives the realtime endpoint from a server base URL such as
// "https://relay.example.com".
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// FetchStatus reads the stored status of a task. It returns (nil, nil) when
// the server has never seen the task.
func FetchStatus(ctx context.Context, client *http.Client, base, taskID string, creds Credentials) (*protocol.AgentTaskRealtimeStatus, error) {
	endpoint := strings.TrimSuffix(base, "/") + "/api/agent-tasks/" + url.PathEscape(taskID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	creds.apply(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode)
	}

	var st protocol.AgentTaskRealtimeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}
