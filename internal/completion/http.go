package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient posts requests to a completion endpoint speaking the
// {messages, model} -> {message} protocol.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPClient(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type replyBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (c *HTTPClient) Complete(ctx context.Context, r Request) (string, error) {
	if r.Messages == nil {
		r.Messages = []Message{}
	}
	bodyBytes, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn("completion endpoint returned error status",
			zap.Int("status", resp.StatusCode), zap.String("model", r.Model))
		return "", &TransportError{StatusCode: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var body replyBody
	if err := json.Unmarshal(respBody, &body); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if body.Error != "" {
		return "", &ApplicationError{Message: body.Error, Details: body.Details}
	}
	return body.Message, nil
}
