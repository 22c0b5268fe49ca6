package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

var (
	// ErrNotFound means the transaction id does not exist at the payment
	// provider.
	ErrNotFound = errors.New("transaction not found")
	// ErrNotPaid means the session exists but payment has not completed.
	ErrNotPaid = errors.New("payment not completed")
	// ErrAmbiguousLineItems means the session does not carry exactly one
	// purchasable line item where one is required.
	ErrAmbiguousLineItems = errors.New("ambiguous line items")
	// ErrInvalidSignature means a webhook payload failed signature
	// verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// TenantMetadataKey is the subscription metadata key linking a Stripe
// subscription back to the provisioned tenant.
const TenantMetadataKey = "workspace_id"

// legacyTenantMetadataKey was written by the first self-serve rollout.
const legacyTenantMetadataKey = "clerk_workspace_id"

// Verifier retrieves checkout sessions from Stripe and distills them into
// purchase facts.
type Verifier struct {
	getSession         func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getSubscription    func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	updateSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewVerifier creates a Verifier backed by the Stripe API.
func NewVerifier(apiKey string) *Verifier {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &Verifier{
		getSession:         stripesession.Get,
		getSubscription:    stripesub.Get,
		updateSubscription: stripesub.Update,
	}
}

// Verify retrieves the checkout session and produces the purchase fact.
// The fact is only produced for sessions whose payment has completed.
func (v *Verifier) Verify(ctx context.Context, transactionID string) (*PurchaseFact, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, ErrNotFound
	}

	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	params.AddExpand("line_items.data.price.product")
	params.AddExpand("subscription")
	params.AddExpand("subscription.latest_invoice")
	params.AddExpand("payment_intent")
	params.AddExpand("payment_intent.latest_charge")
	params.AddExpand("total_details.breakdown.discounts")

	session, err := v.getSession(transactionID, params)
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if session.PaymentStatus != stripelib.CheckoutSessionPaymentStatusPaid {
		log.Warn().
			Str("transaction_id", transactionID).
			Str("payment_status", string(session.PaymentStatus)).
			Msg("checkout session not paid")
		return nil, ErrNotPaid
	}

	fact := &PurchaseFact{
		TransactionID:  session.ID,
		AmountTotal:    session.AmountTotal,
		AmountSubtotal: session.AmountSubtotal,
		Currency:       strings.ToUpper(string(session.Currency)),
		Correlation:    parseCorrelation(session.Metadata),
	}
	if session.CustomerDetails != nil {
		fact.PayerEmail = session.CustomerDetails.Email
		fact.PayerName = session.CustomerDetails.Name
	}
	if fact.PayerEmail == "" {
		fact.PayerEmail = session.CustomerEmail
	}
	if session.LineItems != nil {
		for _, item := range session.LineItems.Data {
			if item == nil || item.Price == nil {
				continue
			}
			fact.LineItems = append(fact.LineItems, LineItem{
				PriceID:  item.Price.ID,
				Quantity: item.Quantity,
			})
		}
	}
	if len(fact.LineItems) == 0 {
		return nil, ErrAmbiguousLineItems
	}
	fact.Discount = extractDiscount(session.TotalDetails)

	// Payment date and receipt come from the charge when present, then
	// the subscription invoice, then the session creation time.
	fact.PaymentDate = time.Unix(session.Created, 0).UTC()
	if pi := session.PaymentIntent; pi != nil && pi.LatestCharge != nil {
		charge := pi.LatestCharge
		if charge.Created > 0 {
			fact.PaymentDate = time.Unix(charge.Created, 0).UTC()
		}
		fact.ReceiptURL = charge.ReceiptURL
	}
	if sub := session.Subscription; sub != nil {
		fact.SubscriptionID = sub.ID
		if inv := sub.LatestInvoice; inv != nil {
			fact.InvoiceID = inv.ID
			fact.InvoiceURL = inv.HostedInvoiceURL
			if fact.ReceiptURL == "" {
				fact.ReceiptURL = inv.HostedInvoiceURL
			}
			if inv.Created > 0 {
				fact.PaymentDate = time.Unix(inv.Created, 0).UTC()
			}
		}
	}

	return fact, nil
}

// LinkTenant stamps the provisioned tenant id onto the Stripe subscription
// metadata so later events can be joined back to the tenant.
func (v *Verifier) LinkTenant(ctx context.Context, subscriptionID, tenantID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return errors.New("empty subscription id")
	}
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	params.AddMetadata(TenantMetadataKey, tenantID)
	if _, err := v.updateSubscription(subscriptionID, params); err != nil {
		return fmt.Errorf("update subscription metadata: %w", err)
	}
	return nil
}

// LinkedTenantID returns the tenant id previously stamped onto the
// subscription metadata, or empty when no link exists.
func (v *Verifier) LinkedTenantID(ctx context.Context, subscriptionID string) (string, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return "", nil
	}
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := v.getSubscription(subscriptionID, params)
	if err != nil {
		if isMissing(err) {
			return "", nil
		}
		return "", fmt.Errorf("retrieve subscription: %w", err)
	}
	if sub == nil {
		return "", nil
	}
	return tenantIDFromMetadata(sub.Metadata), nil
}

func tenantIDFromMetadata(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	if id := strings.TrimSpace(metadata[TenantMetadataKey]); id != "" {
		return id
	}
	return strings.TrimSpace(metadata[legacyTenantMetadataKey])
}

func extractDiscount(details *stripelib.CheckoutSessionTotalDetails) *Discount {
	if details == nil || details.AmountDiscount <= 0 {
		return nil
	}
	d := &Discount{Amount: details.AmountDiscount}
	if details.Breakdown == nil {
		return d
	}
	for _, bd := range details.Breakdown.Discounts {
		if bd == nil || bd.Discount == nil {
			continue
		}
		if pc := bd.Discount.PromotionCode; pc != nil && pc.Code != "" {
			d.Code = pc.Code
			break
		}
		if c := bd.Discount.Coupon; c != nil && c.Name != "" {
			d.Code = c.Name
			break
		}
	}
	return d
}

func isMissing(err error) bool {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripelib.ErrorCodeResourceMissing ||
			stripeErr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}
