package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice/common/trace"
)

const defaultTimeout = 15 * time.Second

// HTTPClient is the live worker API client. Request/response operations go
// over plain HTTP; exec streaming attaches over WebSocket.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	dialer  *websocket.Dialer
}

// NewHTTPClient creates a client for the worker API at baseURL using token
// for bearer authentication.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: defaultTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: defaultTimeout},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) ListSprites(ctx context.Context) ([]Sprite, error) {
	var out struct {
		Sprites []Sprite `json:"sprites"`
	}
	if err := c.get(ctx, "/v1/sprites", &out); err != nil {
		return nil, fmt.Errorf("list sprites: %w", err)
	}
	return out.Sprites, nil
}

func (c *HTTPClient) GetSprite(ctx context.Context, id string) (Sprite, error) {
	var out Sprite
	if err := c.get(ctx, "/v1/sprites/"+url.PathEscape(id), &out); err != nil {
		return Sprite{}, fmt.Errorf("get sprite %s: %w", id, err)
	}
	return out, nil
}

func (c *HTTPClient) Wake(ctx context.Context, id string) error {
	if err := c.post(ctx, "/v1/sprites/"+url.PathEscape(id)+"/wake", nil, nil); err != nil {
		return fmt.Errorf("wake %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) Sleep(ctx context.Context, id string) error {
	if err := c.post(ctx, "/v1/sprites/"+url.PathEscape(id)+"/sleep", nil, nil); err != nil {
		return fmt.Errorf("sleep %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) Exec(ctx context.Context, id, cmd string) (ExecResult, error) {
	var out ExecResult
	body := map[string]string{"cmd": cmd}
	if err := c.post(ctx, "/v1/sprites/"+url.PathEscape(id)+"/exec", body, &out); err != nil {
		return ExecResult{}, fmt.Errorf("exec on %s: %w", id, err)
	}
	return out, nil
}

// ExecStream attaches to the streaming exec endpoint over WebSocket. The
// worker sends one JSON chunk per message, ending with an exit chunk.
func (c *HTTPClient) ExecStream(ctx context.Context, id, cmd string) (<-chan Chunk, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/v1/sprites/" + url.PathEscape(id) + "/exec/stream?cmd=" + url.QueryEscape(cmd)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		header.Set("X-Trace-ID", traceID)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("exec stream on %s: %w", id, err)
	}

	ch := make(chan Chunk)
	done := make(chan struct{})
	go func() {
		// Tear the read loop down when the caller gives up.
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(ch)
		defer close(done)
		defer conn.Close()
		for {
			var chunk Chunk
			if err := conn.ReadJSON(&chunk); err != nil {
				return
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Stream == StreamExit {
				return
			}
		}
	}()
	return ch, nil
}

func (c *HTTPClient) FetchLogs(ctx context.Context, id string, limit int) ([]string, error) {
	path := "/v1/sprites/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("fetch logs for %s: %w", id, err)
	}
	return out.Lines, nil
}

// --- internal helpers ---

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(ctx, req)
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(ctx, req)
	return c.do(req, out)
}

func (c *HTTPClient) setHeaders(ctx context.Context, req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return c.statusError(req, resp)
	}

	if out != nil {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if len(bodyBytes) > 0 {
			if err := json.Unmarshal(bodyBytes, out); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
	}
	return nil
}

func (c *HTTPClient) statusError(req *http.Request, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var errResp errorResponse
	if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
		return fmt.Errorf("worker API %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("worker API %s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
}

var _ Client = (*HTTPClient)(nil)
