package crm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Default deal attributes for self-serve purchases.
const (
	defaultDealStage = "Active Trial"
	defaultDealOwner = "self-serve"
)

// SyncInput carries everything the synchronizer records about one
// completed purchase.
type SyncInput struct {
	TenantID     string
	TenantName   string
	AdminEmail   string
	MemberEmails []string

	TransactionID  string
	SubscriptionID string
	InvoiceID      string

	PlanID      string
	PlanName    string
	Currency    string
	AmountTotal int64
	PaymentDate time.Time

	ResetCadence   string
	LimitResetDate time.Time
	DurationMonths int
	TrialMonths    int
}

// Linkage holds the CRM record ids created for a purchase. On a partial
// failure it carries the ids created before the failing sub-step.
type Linkage struct {
	CompanyID      string
	WorkspaceID    string
	DealID         string
	TrialProductID string
	FullProductID  string
}

// SyncError reports which sub-step of the record chain failed.
type SyncError struct {
	SubStep string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("crm sync %s: %v", e.SubStep, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Synchronizer writes the CRM record chain for completed purchases.
type Synchronizer struct {
	api API
}

// NewSynchronizer creates a CRM synchronizer.
func NewSynchronizer(api API) *Synchronizer {
	return &Synchronizer{api: api}
}

// SyncTenant creates the record chain for a purchase in dependency order:
// company, workspace, deal, trial product, full product. A failed sub-step
// aborts the remainder; records already created are kept and returned so
// the caller can report the partial linkage. Nothing is rolled back.
func (s *Synchronizer) SyncTenant(ctx context.Context, in SyncInput) (*Linkage, error) {
	linkage := &Linkage{}

	company := CompanyFields{
		Name: in.TenantName,
		Team: append([]string{in.AdminEmail}, in.MemberEmails...),
	}
	rec, err := s.create(ctx, ObjectCompanies, company)
	if err != nil {
		return linkage, &SyncError{SubStep: "company", Err: err}
	}
	linkage.CompanyID = rec.ID.RecordID

	workspace := WorkspaceFields{
		CompanyID:      linkage.CompanyID,
		TenantID:       in.TenantID,
		Name:           in.TenantName,
		TransactionID:  in.TransactionID,
		SubscriptionID: in.SubscriptionID,
		AccessGranted:  true,
		ResetCadence:   in.ResetCadence,
		LimitResetDate: in.LimitResetDate,
	}
	rec, err = s.create(ctx, ObjectWorkspaces, workspace)
	if err != nil {
		return linkage, &SyncError{SubStep: "workspace", Err: err}
	}
	linkage.WorkspaceID = rec.ID.RecordID

	deal := DealFields{
		CompanyID:      linkage.CompanyID,
		Name:           fmt.Sprintf("%s - %s", in.TenantName, in.PlanName),
		Stage:          defaultDealStage,
		Owner:          defaultDealOwner,
		Amount:         in.AmountTotal,
		Currency:       in.Currency,
		DurationMonths: in.DurationMonths,
	}
	rec, err = s.create(ctx, ObjectDeals, deal)
	if err != nil {
		return linkage, &SyncError{SubStep: "deal", Err: err}
	}
	linkage.DealID = rec.ID.RecordID

	if in.TrialMonths > 0 {
		trial := ProductFields{
			DealID:         linkage.DealID,
			WorkspaceID:    linkage.WorkspaceID,
			Name:           fmt.Sprintf("%s (trial)", in.PlanName),
			Kind:           ProductTrial,
			StartDate:      in.PaymentDate,
			DurationMonths: in.TrialMonths,
			SubscriptionID: in.SubscriptionID,
			InvoiceID:      in.InvoiceID,
			Currency:       in.Currency,
			RevenueType:    "trial",
		}
		rec, err = s.create(ctx, ObjectProducts, trial)
		if err != nil {
			return linkage, &SyncError{SubStep: "trial_product", Err: err}
		}
		linkage.TrialProductID = rec.ID.RecordID
	}

	full := ProductFields{
		DealID:         linkage.DealID,
		WorkspaceID:    linkage.WorkspaceID,
		Name:           in.PlanName,
		Kind:           ProductFull,
		StartDate:      in.PaymentDate.AddDate(0, in.TrialMonths, 0),
		DurationMonths: in.DurationMonths,
		SubscriptionID: in.SubscriptionID,
		InvoiceID:      in.InvoiceID,
		Currency:       in.Currency,
		RevenueType:    "new",
	}
	rec, err = s.create(ctx, ObjectProducts, full)
	if err != nil {
		return linkage, &SyncError{SubStep: "full_product", Err: err}
	}
	linkage.FullProductID = rec.ID.RecordID

	log.Info().
		Str("tenant_id", in.TenantID).
		Str("company_record", linkage.CompanyID).
		Str("deal_record", linkage.DealID).
		Msg("crm record chain created")

	return linkage, nil
}

// FindTenantByTransactionID returns the tenant id recorded on the CRM
// workspace created for the transaction, or empty when none exists. Used
// by the idempotency gate when subscription metadata is unavailable.
func (s *Synchronizer) FindTenantByTransactionID(ctx context.Context, transactionID string) (string, error) {
	if transactionID == "" {
		return "", nil
	}
	filter := map[string]any{
		"stripe_transaction_id": map[string]any{"$eq": transactionID},
	}
	records, err := s.api.QueryRecords(ctx, ObjectWorkspaces, filter, 1)
	if err != nil {
		return "", fmt.Errorf("query workspaces: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].StringValue("workspace_id"), nil
}

type fieldSet interface {
	Validate() error
	values() map[string]any
}

func (s *Synchronizer) create(ctx context.Context, objectType string, fields fieldSet) (*Record, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	return s.api.CreateRecord(ctx, objectType, fields.values())
}
