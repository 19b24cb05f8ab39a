// Package commands implements the bfdctl CLI commands.
package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// sessionView mirrors the admin API's JSON session representation
// (internal/admin's sessionView) field for field, so no translation layer
// sits between the wire and the table/JSON renderers in format.go.
type sessionView struct {
	Name                string `json:"name"`
	PeerAddress         string `json:"peer_address"`
	LocalAddress        string `json:"local_address,omitempty"`
	LocalState          string `json:"local_state"`
	RemoteState         string `json:"remote_state"`
	LocalDiagnostic     string `json:"local_diagnostic"`
	LocalDiscriminator  uint32 `json:"local_discriminator"`
	RemoteDiscriminator uint32 `json:"remote_discriminator"`
	LocalTxInterval     string `json:"local_tx_interval"`
	LocalDetectTime     string `json:"local_detect_time"`
	RemoteDetectTime    string `json:"remote_detect_time"`
	PacketsSent         uint64 `json:"packets_sent"`
	PacketsReceived     uint64 `json:"packets_received"`
	StateTransitions    uint64 `json:"state_transitions"`
	LastStateChange     string `json:"last_state_change,omitempty"`
	LastPacketReceived  string `json:"last_packet_received,omitempty"`
}

// eventView mirrors one line of the admin API's /events ndjson stream.
type eventView struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

type apiError struct {
	Error string `json:"error"`
}

// apiClient is a thin HTTP/JSON client for the daemon's admin API.
// There is no generated stub here: the wire contract is a handful of
// small JSON shapes, which a cobra command can decode directly.
type apiClient struct {
	http    *http.Client
	baseURL string
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		http:    http.DefaultClient,
		baseURL: "http://" + strings.TrimPrefix(addr, "http://"),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) ListSessions(ctx context.Context) ([]sessionView, error) {
	var views []sessionView
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *apiClient) GetSession(ctx context.Context, identifier string) (sessionView, error) {
	var view sessionView
	path := "/sessions/" + url.PathEscape(identifier)
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return sessionView{}, err
	}
	return view, nil
}

type addSessionRequest struct {
	Name       string `json:"name,omitempty"`
	Peer       string `json:"peer_address"`
	Local      string `json:"local_address"`
	MinTxMS    int    `json:"min_tx_ms,omitempty"`
	MinRxMS    int    `json:"min_rx_ms,omitempty"`
	IdleTxMS   int    `json:"idle_tx_ms,omitempty"`
	Multiplier uint8  `json:"multiplier,omitempty"`
}

func (c *apiClient) AddSession(ctx context.Context, req addSessionRequest) (sessionView, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return sessionView{}, fmt.Errorf("marshal add-session request: %w", err)
	}

	var view sessionView
	if err := c.do(ctx, http.MethodPost, "/sessions", strings.NewReader(string(body)), &view); err != nil {
		return sessionView{}, err
	}
	return view, nil
}

func (c *apiClient) DeleteSession(ctx context.Context, identifier string) error {
	path := "/sessions/" + url.PathEscape(identifier)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// WatchEvents issues GET /events and returns the raw response body for the
// caller to scan line by line; the caller owns closing it.
func (c *apiClient) WatchEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watch events: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("watch events: %s (status %d)", apiErr.Error, resp.StatusCode)
	}

	return resp.Body, nil
}

// scanEvents reads ndjson lines from r, calling fn for each decoded event
// until r is exhausted or fn returns an error.
func scanEvents(r io.Reader, fn func(eventView) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var ev eventView
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}
