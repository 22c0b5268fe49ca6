package crm

import (
	"errors"
	"fmt"
	"time"
)

// ProductKind distinguishes the two product records written per purchase.
type ProductKind string

const (
	ProductTrial ProductKind = "trial"
	ProductFull  ProductKind = "full"
)

// recordOrigin marks records written by the self-serve flow.
const recordOrigin = "self-serve"

// CompanyFields is the typed payload for a company record.
type CompanyFields struct {
	Name string
	Team []string // member email addresses
}

// WorkspaceFields is the typed payload for a workspace record. TenantID,
// TransactionID and SubscriptionID are the join keys that let later
// lookups reconcile CRM state with the other systems.
type WorkspaceFields struct {
	CompanyID      string
	TenantID       string
	Name           string
	TransactionID  string
	SubscriptionID string
	AccessGranted  bool
	ResetCadence   string
	LimitResetDate time.Time
}

// DealFields is the typed payload for a deal record.
type DealFields struct {
	CompanyID      string
	Name           string
	Stage          string
	Owner          string
	Amount         int64 // minor currency units
	Currency       string
	DurationMonths int
}

// ProductFields is the typed payload for a product record.
type ProductFields struct {
	DealID         string
	WorkspaceID    string
	Name           string
	Kind           ProductKind
	StartDate      time.Time
	DurationMonths int
	SubscriptionID string
	InvoiceID      string
	Currency       string
	RevenueType    string
}

// Validate rejects payloads that would create an unusable company record.
func (f CompanyFields) Validate() error {
	if f.Name == "" {
		return errors.New("company: empty name")
	}
	return nil
}

func (f WorkspaceFields) Validate() error {
	switch {
	case f.CompanyID == "":
		return errors.New("workspace: missing company reference")
	case f.TenantID == "":
		return errors.New("workspace: missing tenant id")
	case f.Name == "":
		return errors.New("workspace: empty name")
	}
	return nil
}

func (f DealFields) Validate() error {
	switch {
	case f.CompanyID == "":
		return errors.New("deal: missing company reference")
	case f.Name == "":
		return errors.New("deal: empty name")
	case f.Amount < 0:
		return errors.New("deal: negative amount")
	}
	return nil
}

func (f ProductFields) Validate() error {
	switch {
	case f.DealID == "":
		return errors.New("product: missing deal reference")
	case f.WorkspaceID == "":
		return errors.New("product: missing workspace reference")
	case f.Kind != ProductTrial && f.Kind != ProductFull:
		return fmt.Errorf("product: unknown kind %q", f.Kind)
	}
	return nil
}

func (f CompanyFields) values() map[string]any {
	v := map[string]any{
		"name": f.Name,
	}
	if len(f.Team) > 0 {
		v["team"] = f.Team
	}
	return v
}

func (f WorkspaceFields) values() map[string]any {
	v := map[string]any{
		"company":      reference(ObjectCompanies, f.CompanyID),
		"workspace_id": f.TenantID,
		"name":         f.Name,
	}
	if f.TransactionID != "" {
		v["stripe_transaction_id"] = f.TransactionID
	}
	if f.SubscriptionID != "" {
		v["stripe_subscription_id"] = f.SubscriptionID
	}
	if f.AccessGranted {
		v["access_granted"] = true
	}
	if f.ResetCadence != "" {
		v["usage_reset_cadence"] = f.ResetCadence
	}
	if !f.LimitResetDate.IsZero() {
		v["limit_reset_date"] = f.LimitResetDate.UTC().Format(time.RFC3339)
	}
	return v
}

func (f DealFields) values() map[string]any {
	v := map[string]any{
		"associated_company": reference(ObjectCompanies, f.CompanyID),
		"name":               f.Name,
		"stage":              f.Stage,
		"value": map[string]any{
			"currency_value": f.Amount,
			"currency_code":  f.Currency,
		},
	}
	if f.Owner != "" {
		v["owner"] = f.Owner
	}
	if f.DurationMonths > 0 {
		v["duration_months"] = f.DurationMonths
	}
	return v
}

func (f ProductFields) values() map[string]any {
	v := map[string]any{
		"deal":      reference(ObjectDeals, f.DealID),
		"workspace": reference(ObjectWorkspaces, f.WorkspaceID),
		"name":      f.Name,
		"type":      string(f.Kind),
		"origin":    recordOrigin,
	}
	if !f.StartDate.IsZero() {
		v["start_date"] = f.StartDate.UTC().Format(time.RFC3339)
	}
	if f.DurationMonths > 0 {
		v["duration_months"] = f.DurationMonths
	}
	if f.SubscriptionID != "" {
		v["stripe_subscription_id"] = f.SubscriptionID
	}
	if f.InvoiceID != "" {
		v["stripe_invoice_id"] = f.InvoiceID
	}
	if f.Currency != "" {
		v["currency"] = f.Currency
	}
	if f.RevenueType != "" {
		v["revenue_type"] = f.RevenueType
	}
	return v
}

// reference encodes a record reference value.
func reference(objectType, recordID string) []map[string]any {
	return []map[string]any{
		{
			"target_object":    objectType,
			"target_record_id": recordID,
		},
	}
}
