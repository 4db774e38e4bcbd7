package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DirectoryClient resolves recipients, group memberships, and template
// content from the upstream directory service over HTTP. It implements both
// RecipientResolver and TemplateResolver.
type DirectoryClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewDirectoryClient creates a directory client against the given base URL.
func NewDirectoryClient(baseURL string, timeout time.Duration, logger *zap.Logger) *DirectoryClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &DirectoryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type resolveRequest struct {
	RecipientIDs []uuid.UUID `json:"recipient_ids"`
	GroupIDs     []uuid.UUID `json:"group_ids"`
}

type resolveResponse struct {
	Recipients []struct {
		ID         uuid.UUID `json:"id"`
		TenantID   uuid.UUID `json:"tenant_id"`
		Email      string    `json:"email,omitempty"`
		Phone      string    `json:"phone,omitempty"`
		PushTarget string    `json:"push_target,omitempty"`
	} `json:"recipients"`
}

// Resolve expands direct recipients and group members into contact
// identities. The directory de-duplicates on its side; de-duplication is
// applied again during fan-out.
func (d *DirectoryClient) Resolve(ctx context.Context, recipientIDs, groupIDs []uuid.UUID) ([]Recipient, error) {
	var out resolveResponse
	if err := d.post(ctx, "/internal/v1/recipients/resolve", resolveRequest{
		RecipientIDs: recipientIDs,
		GroupIDs:     groupIDs,
	}, &out); err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}

	recipients := make([]Recipient, 0, len(out.Recipients))
	for _, r := range out.Recipients {
		recipients = append(recipients, Recipient{
			ID:         r.ID,
			TenantID:   r.TenantID,
			Email:      r.Email,
			Phone:      r.Phone,
			PushTarget: r.PushTarget,
		})
	}
	return recipients, nil
}

type renderRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type renderResponse struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Render asks the directory for the template's active approved content on
// one channel, merged with the request payload. A 404 means no approved
// version exists for that channel.
func (d *DirectoryClient) Render(ctx context.Context, templateID uuid.UUID, channel string, payload json.RawMessage) (*RenderedTemplate, error) {
	var out renderResponse
	path := fmt.Sprintf("/internal/v1/templates/%s/render", templateID)
	if err := d.post(ctx, path, renderRequest{Channel: channel, Payload: payload}, &out); err != nil {
		return nil, fmt.Errorf("failed to render template %s for channel %s: %w", templateID, channel, err)
	}
	return &RenderedTemplate{Subject: out.Subject, Body: out.Body}, nil
}

func (d *DirectoryClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: directory has no match for %s", ErrValidation, path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}
