package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// NotifierClient hands notification jobs to the notification service.
// Delivery (email/Telegram) happens over there; callers treat all methods
// as best-effort and only log failures.
type NotifierClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

func NewNotifierClient(baseURL, internalKey string) *NotifierClient {
	return &NotifierClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type notificationJob struct {
	Audience string         `json:"audience"` // admin or customer
	UserID   string         `json:"user_id,omitempty"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// NotifyAdmin alerts operators (manual provisioning required, pool empty,
// partial provisioning).
func (c *NotifierClient) NotifyAdmin(ctx context.Context, template string, data map[string]any) error {
	return c.send(ctx, &notificationJob{
		Audience: "admin",
		Template: template,
		Data:     data,
	})
}

// NotifyCustomer sends a templated message to the order's owner.
func (c *NotifierClient) NotifyCustomer(ctx context.Context, userID uuid.UUID, template string, data map[string]any) error {
	return c.send(ctx, &notificationJob{
		Audience: "customer",
		UserID:   userID.String(),
		Template: template,
		Data:     data,
	})
}

func (c *NotifierClient) send(ctx context.Context, job *notificationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/internal/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notifier returned status %d", resp.StatusCode)
	}
	return nil
}
