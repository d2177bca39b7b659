package protocol

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

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/telemetry"
)

const (
	encodingZstd   = "zstd"
	maxErrorBody   = 4096
	siteIDHeader   = "X-Site-Id"
	defaultTimeout = 30 * time.Second
)

// TransportConfig configures the connection to central
type TransportConfig struct {
	BaseURL  string
	Username string
	Password string
	SiteID   uint64
	Timeout  time.Duration
	Compress bool
}

// HTTPTransport is the JSON over HTTP connection to central shared by both
// protocol generations and the file sync sidecar
type HTTPTransport struct {
	baseURL  string
	username string
	password string
	siteID   string
	compress bool

	client  *http.Client
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewHTTPTransport creates a transport
func NewHTTPTransport(c TransportConfig) (*HTTPTransport, error) {
	if c.BaseURL == "" {
		return nil, &common.ConfigError{Field: "sync.central_url", Reason: "must not be empty"}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &HTTPTransport{
		baseURL:  strings.TrimRight(c.BaseURL, "/"),
		username: c.Username,
		password: c.Password,
		siteID:   strconv.FormatUint(c.SiteID, 10),
		compress: c.Compress,
		client: &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				IdleConnTimeout: 90 * time.Second,
			},
		},
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close releases the compression state
func (t *HTTPTransport) Close() {
	t.encoder.Close()
	t.decoder.Close()
}

// DoJSON sends in as the JSON request body (nil for none) and decodes the
// response into out (nil to discard). op names the call in errors and
// metrics. Any failure is a *common.TransportError.
func (t *HTTPTransport) DoJSON(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &common.TransportError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
	}

	resp, err := t.do(ctx, op, method, path, query, body, t.compress, "application/json")
	if err != nil {
		return err
	}

	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return &common.TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// PutBytes uploads an opaque blob, always compressed
func (t *HTTPTransport) PutBytes(ctx context.Context, op, path string, data []byte) error {
	_, err := t.do(ctx, op, http.MethodPut, path, nil, data, true, "application/octet-stream")
	return err
}

// GetBytes downloads an opaque blob
func (t *HTTPTransport) GetBytes(ctx context.Context, op, path string) ([]byte, error) {
	return t.do(ctx, op, http.MethodGet, path, nil, nil, false, "")
}

func (t *HTTPTransport) do(ctx context.Context, op, method, path string, query url.Values, body []byte, compress bool, contentType string) ([]byte, error) {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		if compress {
			body = t.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &common.TransportError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
		if compress {
			req.Header.Set("Content-Encoding", encodingZstd)
		}
	}
	req.Header.Set("Accept-Encoding", encodingZstd)
	req.Header.Set(siteIDHeader, t.siteID)
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	telemetry.SyncRequestSeconds.With(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &common.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &common.TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &common.TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.Header.Get("Content-Encoding") == encodingZstd {
		data, err = t.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, &common.TransportError{Op: op, Err: fmt.Errorf("failed to decompress response: %w", err)}
		}
	}
	return data, nil
}
