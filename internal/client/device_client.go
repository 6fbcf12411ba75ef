package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
)

// DeviceClient calls the external device-management API that owns the
// physical proxy fleet. The API is opaque; only the contract below is
// depended on.
type DeviceClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewDeviceClient(baseURL, apiKey string, timeout time.Duration) *DeviceClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &DeviceClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GrantAccessRequest asks the device to open proxy access for one protocol.
type GrantAccessRequest struct {
	Protocol  string `json:"protocol"` // http or socks5
	AuthType  string `json:"auth_type"`
	Login     string `json:"login"`
	Password  string `json:"password"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// GrantAccessResponse is the provisioned endpoint for one protocol.
type GrantAccessResponse struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Error    string `json:"error,omitempty"`
}

// RotationSettings mirrors the device's IP-change configuration.
type RotationSettings struct {
	IPChangeEnabled bool `json:"ip_change_enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
}

// ConnectionInfo is the extended device metadata (best-effort fetch).
type ConnectionInfo struct {
	ID       string           `json:"id"`
	Online   bool             `json:"online"`
	Country  string           `json:"country"`
	City     string           `json:"city"`
	Operator string           `json:"operator"`
	Rotation RotationSettings `json:"rotation_settings"`
}

// ActionLink is a trigger URL for device actions such as IP rotation.
type ActionLink struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	URL    string `json:"url"`
}

// GrantProxyAccess opens proxy access on a connection for one protocol.
// Non-2xx responses are marked ErrProviderError (retryable).
func (c *DeviceClient) GrantProxyAccess(ctx context.Context, connectionID string, req *GrantAccessRequest) (*GrantAccessResponse, error) {
	log.Printf("[DeviceClient] Granting %s access on connection %s", req.Protocol, connectionID)

	var result GrantAccessResponse
	if err := c.do(ctx, http.MethodPost, "/api/connections/"+connectionID+"/proxy-access", req, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errs.Mark(fmt.Errorf("device api: %s", result.Error), errs.ErrProviderError)
	}

	log.Printf("[DeviceClient] Access granted: %s %s:%d", req.Protocol, result.Hostname, result.Port)
	return &result, nil
}

// RevokeProxyAccess closes a previously granted access. Used for rollback
// when the second protocol grant of a pair fails.
func (c *DeviceClient) RevokeProxyAccess(ctx context.Context, connectionID, accessID string) error {
	log.Printf("[DeviceClient] Revoking access %s on connection %s", accessID, connectionID)
	return c.do(ctx, http.MethodDelete, "/api/connections/"+connectionID+"/proxy-access/"+accessID, nil, nil)
}

// GetConnection fetches device geography and rotation settings.
func (c *DeviceClient) GetConnection(ctx context.Context, connectionID string) (*ConnectionInfo, error) {
	var result ConnectionInfo
	if err := c.do(ctx, http.MethodGet, "/api/connections/"+connectionID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateConnectionSettings pushes IP-rotation configuration to the device.
func (c *DeviceClient) UpdateConnectionSettings(ctx context.Context, connectionID string, settings *RotationSettings) error {
	log.Printf("[DeviceClient] Updating settings on connection %s (rotation=%v interval=%dm)",
		connectionID, settings.IPChangeEnabled, settings.IntervalMinutes)
	return c.do(ctx, http.MethodPut, "/api/connections/"+connectionID+"/settings", settings, nil)
}

// CreateActionLink creates a trigger URL for a device action.
func (c *DeviceClient) CreateActionLink(ctx context.Context, connectionID, action string) (*ActionLink, error) {
	req := map[string]string{"action": action}
	var result ActionLink
	if err := c.do(ctx, http.MethodPost, "/api/connections/"+connectionID+"/action-links", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetActionLinks lists existing trigger URLs for a connection.
func (c *DeviceClient) GetActionLinks(ctx context.Context, connectionID string) ([]ActionLink, error) {
	var result struct {
		Links []ActionLink `json:"links"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/connections/"+connectionID+"/action-links", nil, &result); err != nil {
		return nil, err
	}
	return result.Links, nil
}

func (c *DeviceClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errs.Mark(fmt.Errorf("send request: %w", err), errs.ErrProviderError)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Mark(fmt.Errorf("read response: %w", err), errs.ErrProviderError)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.Mark(fmt.Errorf("device api returned status %d: %s", resp.StatusCode, string(respBody)), errs.ErrProviderError)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
		}
	}
	return nil
}
