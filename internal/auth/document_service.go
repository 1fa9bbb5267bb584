package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrNoAccess means the caller has no role on the document, or the document
// does not exist in the metadata store.
var ErrNoAccess = errors.New("no access to document")

// StaticResolver grants the same role on every document. It is used when no
// document service is configured.
type StaticResolver struct {
	Role Role
}

func (s StaticResolver) RoleFor(ctx context.Context, id Identity, documentID string) (Role, error) {
	return s.Role, nil
}

// DocumentServiceClient talks to the service that owns document metadata and
// RBAC. GET /api/documents/{id} answers {document, userRole} for the caller.
type DocumentServiceClient struct {
	baseURL string
	client  *http.Client
}

func NewDocumentServiceClient(baseURL string, timeout time.Duration) *DocumentServiceClient {
	return &DocumentServiceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type documentResponse struct {
	Document json.RawMessage `json:"document"`
	UserRole string          `json:"userRole"`
}

// RoleFor returns the caller's role on the document.
func (c *DocumentServiceClient) RoleFor(ctx context.Context, id Identity, documentID string) (Role, error) {
	resp, err := c.getDocument(ctx, id.Token, documentID)
	if err != nil {
		return "", err
	}
	return Normalize(resp.UserRole), nil
}

// Confirm checks that the metadata store knows the document. It is the
// second phase of provisioning.
func (c *DocumentServiceClient) Confirm(ctx context.Context, token, documentID string) error {
	resp, err := c.getDocument(ctx, token, documentID)
	if err != nil {
		return err
	}
	if len(resp.Document) == 0 || string(resp.Document) == "null" {
		return fmt.Errorf("%w: %s", ErrNoAccess, documentID)
	}
	return nil
}

func (c *DocumentServiceClient) getDocument(ctx context.Context, token, documentID string) (*documentResponse, error) {
	endpoint := fmt.Sprintf("%s/api/documents/%s", c.baseURL, url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build document request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach document service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s (status %d)", ErrNoAccess, documentID, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("document service returned status %d", resp.StatusCode)
	}

	var body documentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode document response: %w", err)
	}
	return &body, nil
}
