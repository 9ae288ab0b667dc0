// Package upload talks to the posting bridge, the sidecar service that owns
// browser sessions and actually publishes videos. Errors coming back are
// classified for the job state machine: HTTP 5xx and transport failures are
// retryable, 4xx responses are permanent.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"autopost-engine/internal/faults"
)

// Result is the bridge's answer to a successful publish.
type Result struct {
	RemoteURL string `json:"remote_url"`
	PostID    string `json:"post_id"`
}

// AuthResult reports whether an account's stored session is still usable.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Uploader publishes a rendered video on behalf of an account.
type Uploader interface {
	Upload(ctx context.Context, accountID, videoPath, caption string) (Result, error)
	TestAuth(ctx context.Context, accountID string) (AuthResult, error)
}

// BridgeClient is the HTTP implementation of Uploader.
type BridgeClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewBridgeClient builds a client for the bridge at baseURL.
func NewBridgeClient(baseURL string, timeout time.Duration, logger *zap.Logger) *BridgeClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type uploadRequest struct {
	AccountID string `json:"account_id"`
	VideoPath string `json:"video_path"`
	Caption   string `json:"caption"`
}

type bridgeError struct {
	Error string `json:"error"`
}

// Upload asks the bridge to publish the video. The bridge streams the file
// itself, so only the path crosses the wire.
func (c *BridgeClient) Upload(ctx context.Context, accountID, videoPath, caption string) (Result, error) {
	body, err := json.Marshal(uploadRequest{AccountID: accountID, VideoPath: videoPath, Caption: caption})
	if err != nil {
		return Result{}, fmt.Errorf("marshal upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, faults.Retryable(fmt.Errorf("bridge unreachable: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, faults.Retryable(fmt.Errorf("read bridge response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var result Result
		if err := json.Unmarshal(raw, &result); err != nil {
			return Result{}, faults.Retryable(fmt.Errorf("decode bridge response: %w", err))
		}
		return result, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{}, faults.Retryable(fmt.Errorf("bridge upload failed: status %d: %s", resp.StatusCode, bridgeDetail(raw)))
	default:
		return Result{}, faults.Fatal(fmt.Errorf("bridge rejected upload: status %d: %s", resp.StatusCode, bridgeDetail(raw)))
	}
}

// TestAuth verifies an account's session without posting anything.
func (c *BridgeClient) TestAuth(ctx context.Context, accountID string) (AuthResult, error) {
	body, err := json.Marshal(map[string]string{"account_id": accountID})
	if err != nil {
		return AuthResult{}, fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/test", bytes.NewReader(body))
	if err != nil {
		return AuthResult{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return AuthResult{}, faults.Retryable(fmt.Errorf("bridge unreachable: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AuthResult{}, faults.Retryable(fmt.Errorf("read bridge response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return AuthResult{}, faults.Retryable(fmt.Errorf("auth test failed: status %d: %s", resp.StatusCode, bridgeDetail(raw)))
	}

	var result AuthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return AuthResult{}, fmt.Errorf("decode auth response: %w", err)
	}
	return result, nil
}

func bridgeDetail(raw []byte) string {
	var be bridgeError
	if err := json.Unmarshal(raw, &be); err == nil && be.Error != "" {
		return be.Error
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
