package stripe

import (
	"encoding/json"
	"strings"
	"time"
)

// LineItem is one purchased price on a checkout session.
type LineItem struct {
	PriceID  string
	Quantity int64
}

// Discount captures an applied promotion on a checkout session.
type Discount struct {
	Code   string
	Amount int64
}

// MemberInvite is a pending workspace member carried in the correlation
// payload attached at checkout time.
type MemberInvite struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Correlation is the caller-supplied payload attached to the checkout
// session metadata, carrying the pending workspace details.
type Correlation struct {
	WorkspaceID   string // set for top-ups against an existing workspace
	WorkspaceName string
	AdminEmail    string
	Members       []MemberInvite
	LogoRef       string
}

// PurchaseFact is the immutable record extracted from a verified payment.
// It is produced once per transaction and never mutated.
type PurchaseFact struct {
	TransactionID  string
	PayerEmail     string
	PayerName      string
	AmountTotal    int64
	AmountSubtotal int64
	Currency       string
	PaymentDate    time.Time
	ReceiptURL     string
	InvoiceID      string
	InvoiceURL     string
	LineItems      []LineItem
	Discount       *Discount
	SubscriptionID string
	Correlation    Correlation
}

// PlanPriceID returns the single purchasable price id on the session.
// Single-plan purchase flows require exactly one line item.
func (f *PurchaseFact) PlanPriceID() (string, error) {
	if len(f.LineItems) != 1 {
		return "", ErrAmbiguousLineItems
	}
	return f.LineItems[0].PriceID, nil
}

// WorkspaceName returns the pending workspace name, falling back to the
// payer's name and then email local part when the payload omitted it.
func (f *PurchaseFact) WorkspaceName() string {
	if name := strings.TrimSpace(f.Correlation.WorkspaceName); name != "" {
		return name
	}
	if name := strings.TrimSpace(f.PayerName); name != "" {
		return name
	}
	email := strings.TrimSpace(f.PayerEmail)
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// AdminEmail returns the pending admin email, falling back to the payer.
func (f *PurchaseFact) AdminEmail() string {
	if email := strings.TrimSpace(f.Correlation.AdminEmail); email != "" {
		return email
	}
	return strings.TrimSpace(f.PayerEmail)
}

// parseCorrelation extracts the correlation payload from checkout session
// metadata. Unknown keys are ignored; a malformed members list degrades to
// an empty list rather than failing verification.
func parseCorrelation(metadata map[string]string) Correlation {
	if metadata == nil {
		return Correlation{}
	}
	c := Correlation{
		WorkspaceName: strings.TrimSpace(metadata["workspace_name"]),
		AdminEmail:    strings.TrimSpace(metadata["admin_email"]),
		LogoRef:       strings.TrimSpace(metadata["logo_ref"]),
	}
	c.WorkspaceID = strings.TrimSpace(metadata["workspace_id"])
	if c.WorkspaceID == "" {
		// Legacy key written by the first self-serve rollout.
		c.WorkspaceID = strings.TrimSpace(metadata["clerk_workspace_id"])
	}
	if raw := strings.TrimSpace(metadata["members"]); raw != "" {
		var members []MemberInvite
		if err := json.Unmarshal([]byte(raw), &members); err == nil {
			c.Members = members
		}
	}
	return c
}
