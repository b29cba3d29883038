package remote

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

	"nhooyr.io/websocket"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPStore talks to the row store over HTTPS and receives push events over a
// websocket feed. Transient failures (network errors, 429, 5xx) are retried a
// bounded number of times with backoff before the error escapes to the
// caller; from there the pending queue takes over.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
}

type Logger interface {
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

type HTTPOptions struct {
	Token      string
	HTTPClient *http.Client
	Logger     Logger
}

func NewHTTPStore(baseURL string, opts HTTPOptions) (*HTTPStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &HTTPStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		logger:     logger,
	}, nil
}

func (c *HTTPStore) Select(ctx context.Context, collection string) ([]json.RawMessage, error) {
	var out struct {
		Rows []json.RawMessage `json:"rows"`
	}
	path := fmt.Sprintf("/v1/collections/%s/rows", url.PathEscape(collection))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *HTTPStore) Insert(ctx context.Context, collection string, row json.RawMessage) error {
	path := fmt.Sprintf("/v1/collections/%s/rows", url.PathEscape(collection))
	return c.doJSON(ctx, http.MethodPost, path, row, nil)
}

func (c *HTTPStore) Update(ctx context.Context, collection, id string, row json.RawMessage) error {
	path := fmt.Sprintf("/v1/collections/%s/rows/%s", url.PathEscape(collection), url.PathEscape(id))
	return c.doJSON(ctx, http.MethodPatch, path, row, nil)
}

func (c *HTTPStore) UpsertMany(ctx context.Context, collection string, rows []json.RawMessage) error {
	body := map[string]any{
		"rows":       rows,
		"onConflict": "id",
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/collections/%s/rows:upsert", url.PathEscape(collection))
	return c.doJSON(ctx, http.MethodPut, path, raw, nil)
}

func (c *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf("/v1/collections/%s/rows/%s", url.PathEscape(collection), url.PathEscape(id))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Subscribe opens the realtime websocket feed and delivers validated events
// until stop is called or the context ends. A dropped connection is redialed
// with backoff; events missed in between are covered by the next full sync.
func (c *HTTPStore) Subscribe(ctx context.Context, collections []string, fn func(Event)) (func(), error) {
	if len(collections) == 0 || fn == nil {
		return nil, ErrInvalidInput
	}
	subCtx, cancel := context.WithCancel(ctx)
	wsURL := c.websocketURL(collections)
	go c.readFeed(subCtx, wsURL, collections, fn)
	return cancel, nil
}

func (c *HTTPStore) Close() error {
	return nil
}

func (c *HTTPStore) websocketURL(collections []string) string {
	base := c.baseURL
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("collections", strings.Join(collections, ","))
	return base + "/v1/realtime?" + q.Encode()
}

func (c *HTTPStore) readFeed(ctx context.Context, wsURL string, collections []string, fn func(Event)) {
	allowed := map[string]bool{}
	for _, collection := range collections {
		allowed[collection] = true
	}
	for attempt := 0; ctx.Err() == nil; attempt++ {
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + c.token}},
		})
		if err != nil {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
				return
			}
			continue
		}
		attempt = 0
		for ctx.Err() == nil {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				break
			}
			event, err := DecodeEvent(payload)
			if err != nil {
				c.logger.Warn("dropping invalid push event", "err", err)
				continue
			}
			if !allowed[event.Collection] {
				continue
			}
			fn(event)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *HTTPStore) doJSON(ctx context.Context, method, requestPath string, body json.RawMessage, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPStore) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
