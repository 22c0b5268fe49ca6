package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultIdentityBaseURL = "https://api.clerk.com/v1"

// Role is a tenant membership role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "basic_member"
)

// Member is a tenant member or pending invitation.
type Member struct {
	Email string
	Role  Role
}

// Organization is the identity provider's view of a tenant.
type Organization struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
}

// Logo is an image attached to a tenant after creation.
type Logo struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IdentityClient is the narrow identity provider surface the provisioner
// needs.
type IdentityClient interface {
	CreateOrganization(ctx context.Context, name string, maxMembers int, metadata map[string]string) (*Organization, error)
	UploadOrganizationLogo(ctx context.Context, orgID string, logo Logo) error
	CreateInvitation(ctx context.Context, orgID, email string, role Role) error
	ListMemberships(ctx context.Context, orgID string) ([]Member, error)
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
}

// ClerkClient talks to the Clerk backend API.
type ClerkClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClerkClient creates an identity client backed by Clerk.
func NewClerkClient(secretKey string) *ClerkClient {
	return &ClerkClient{
		baseURL:   defaultIdentityBaseURL,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewClerkClientWithBaseURL is used by tests to point at a local server.
func NewClerkClientWithBaseURL(secretKey, baseURL string) *ClerkClient {
	c := NewClerkClient(secretKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type createOrganizationRequest struct {
	Name              string         `json:"name"`
	MaxAllowedMembers int            `json:"max_allowed_memberships,omitempty"`
	PublicMetadata    map[string]any `json:"public_metadata,omitempty"`
}

type createInvitationRequest struct {
	EmailAddress string `json:"email_address"`
	Role         string `json:"role"`
}

type clerkErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"errors"`
}

// CreateOrganization creates an organization. A single call, never retried;
// retrying a timed-out create risks a duplicate organization.
func (c *ClerkClient) CreateOrganization(ctx context.Context, name string, maxMembers int, metadata map[string]string) (*Organization, error) {
	payload := createOrganizationRequest{
		Name:              name,
		MaxAllowedMembers: maxMembers,
	}
	if len(metadata) > 0 {
		payload.PublicMetadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			payload.PublicMetadata[k] = v
		}
	}

	var org Organization
	if err := c.doJSON(ctx, http.MethodPost, "/organizations", payload, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// GetOrganization fetches an organization by id.
func (c *ClerkClient) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	if err := c.doJSON(ctx, http.MethodGet, "/organizations/"+url.PathEscape(orgID), nil, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateInvitation invites an email address into the organization.
func (c *ClerkClient) CreateInvitation(ctx context.Context, orgID, email string, role Role) error {
	payload := createInvitationRequest{
		EmailAddress: email,
		Role:         string(role),
	}
	path := "/organizations/" + url.PathEscape(orgID) + "/invitations"
	return c.doJSON(ctx, http.MethodPost, path, payload, nil)
}

type membershipListResponse struct {
	Data []struct {
		Role           string `json:"role"`
		PublicUserData struct {
			Identifier string `json:"identifier"`
		} `json:"public_user_data"`
	} `json:"data"`
}

// ListMemberships returns the organization's current members.
func (c *ClerkClient) ListMemberships(ctx context.Context, orgID string) ([]Member, error) {
	var out membershipListResponse
	path := "/organizations/" + url.PathEscape(orgID) + "/memberships"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(out.Data))
	for _, m := range out.Data {
		members = append(members, Member{
			Email: m.PublicUserData.Identifier,
			Role:  Role(m.Role),
		})
	}
	return members, nil
}

// UploadOrganizationLogo uploads the organization logo as multipart form
// data.
func (c *ClerkClient) UploadOrganizationLogo(ctx context.Context, orgID string, logo Logo) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", logo.Filename)
	if err != nil {
		return fmt.Errorf("create logo form part: %w", err)
	}
	if _, err := part.Write(logo.Data); err != nil {
		return fmt.Errorf("write logo data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize logo form: %w", err)
	}

	path := "/organizations/" + url.PathEscape(orgID) + "/logo"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create logo request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity logo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	return nil
}

func (c *ClerkClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal identity request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}

func (c *ClerkClient) apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var clerkErr clerkErrorResponse
	_ = json.Unmarshal(respBody, &clerkErr)
	if len(clerkErr.Errors) > 0 {
		return fmt.Errorf("identity error (HTTP %d): code=%s message=%s",
			resp.StatusCode, clerkErr.Errors[0].Code, clerkErr.Errors[0].Message)
	}
	return fmt.Errorf("identity error (HTTP %d)", resp.StatusCode)
}
