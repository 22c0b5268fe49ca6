package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNameInvalid means the requested tenant name fails validation.
var ErrNameInvalid = errors.New("invalid tenant name")

const maxNameLength = 256

// defaultMaxMembers bounds how many members a self-serve tenant may hold.
const defaultMaxMembers = 25

// originMetadataKey marks tenants created by the self-serve flow.
const originMetadataKey = "created_from"

// Tenant is a provisioned workspace.
type Tenant struct {
	ID         string
	Name       string
	AdminEmail string
	ImageURL   string
}

// InvitationResult records the outcome of one membership invitation.
type InvitationResult struct {
	Member    Member
	Succeeded bool
	Err       error
}

// Provisioner creates tenants and manages their initial membership.
type Provisioner struct {
	identity   IdentityClient
	maxMembers int
}

// NewProvisioner creates a tenant provisioner.
func NewProvisioner(identity IdentityClient) *Provisioner {
	return &Provisioner{
		identity:   identity,
		maxMembers: defaultMaxMembers,
	}
}

// ValidateName checks a tenant name: non-empty after trimming, at most 256
// characters, and free of angle brackets.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty", ErrNameInvalid)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrNameInvalid, maxNameLength)
	}
	if strings.ContainsAny(name, "<>") {
		return fmt.Errorf("%w: contains angle brackets", ErrNameInvalid)
	}
	return nil
}

// CreateTenant creates the tenant at the identity provider. The create is
// a single call and is never retried.
func (p *Provisioner) CreateTenant(ctx context.Context, name, adminEmail string) (*Tenant, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)

	org, err := p.identity.CreateOrganization(ctx, name, p.maxMembers, map[string]string{
		originMetadataKey: "self-serve",
	})
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}

	log.Info().
		Str("tenant_id", org.ID).
		Str("name", org.Name).
		Msg("tenant created")

	return &Tenant{
		ID:         org.ID,
		Name:       org.Name,
		AdminEmail: strings.TrimSpace(adminEmail),
		ImageURL:   org.ImageURL,
	}, nil
}

// AttachLogo uploads the tenant logo. Callers treat failures as
// non-fatal; the tenant stays usable without an image.
func (p *Provisioner) AttachLogo(ctx context.Context, tenantID string, logo Logo) error {
	if len(logo.Data) == 0 {
		return errors.New("empty logo")
	}
	if err := p.identity.UploadOrganizationLogo(ctx, tenantID, logo); err != nil {
		return fmt.Errorf("upload logo: %w", err)
	}
	return nil
}

// InviteMembers sends one invitation per member and reports per-member
// results. A failed invitation never aborts the remaining ones; emails
// already holding a membership are reported as succeeded without a new
// invitation, so redelivered events do not duplicate invites.
func (p *Provisioner) InviteMembers(ctx context.Context, tenantID string, members []Member) []InvitationResult {
	existing := make(map[string]bool)
	if current, err := p.identity.ListMemberships(ctx, tenantID); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("membership list unavailable, inviting all")
	} else {
		for _, m := range current {
			existing[strings.ToLower(strings.TrimSpace(m.Email))] = true
		}
	}

	results := make([]InvitationResult, 0, len(members))
	for _, m := range members {
		email := strings.TrimSpace(m.Email)
		if email == "" {
			results = append(results, InvitationResult{
				Member: m,
				Err:    errors.New("empty email"),
			})
			continue
		}
		if existing[strings.ToLower(email)] {
			results = append(results, InvitationResult{
				Member:    Member{Email: email, Role: m.Role},
				Succeeded: true,
			})
			continue
		}
		role := m.Role
		if role == "" {
			role = RoleMember
		}
		err := p.identity.CreateInvitation(ctx, tenantID, email, role)
		if err != nil {
			log.Warn().Err(err).
				Str("tenant_id", tenantID).
				Str("email", email).
				Msg("membership invitation failed")
		}
		results = append(results, InvitationResult{
			Member:    Member{Email: email, Role: role},
			Succeeded: err == nil,
			Err:       err,
		})
	}
	return results
}

// Lookup fetches an existing tenant by id.
func (p *Provisioner) Lookup(ctx context.Context, tenantID string) (*Tenant, error) {
	org, err := p.identity.GetOrganization(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &Tenant{
		ID:       org.ID,
		Name:     org.Name,
		ImageURL: org.ImageURL,
	}, nil
}
