package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qualloop/selfserve/internal/selfserve/crm"
	"github.com/qualloop/selfserve/internal/selfserve/plans"
	"github.com/qualloop/selfserve/internal/selfserve/replay"
	"github.com/qualloop/selfserve/internal/selfserve/ssmetrics"
	"github.com/qualloop/selfserve/internal/selfserve/stripe"
	"github.com/qualloop/selfserve/internal/selfserve/tenant"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Step names the workflow steps for outcomes, logs and metrics.
type Step string

const (
	StepPaymentVerify      Step = "payment_verify"
	StepEntitlementCompute Step = "entitlement_compute"
	StepTenantCreate       Step = "tenant_create"
	StepLogoAttach         Step = "logo_attach"
	StepMemberInvite       Step = "member_invite"
	StepSubscriptionLink   Step = "subscription_link"
	StepCRMSync            Step = "crm_sync"
	StepEntitlementApply   Step = "entitlement_apply"
)

// Status is the terminal state of a workflow run.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially_failed"
	StatusRejected        Status = "rejected"
)

// RejectReason classifies why a run was rejected before provisioning.
type RejectReason string

const (
	ReasonNone           RejectReason = ""
	ReasonNotFound       RejectReason = "transaction_not_found"
	ReasonNotPaid        RejectReason = "payment_not_completed"
	ReasonVerifyFailed   RejectReason = "payment_verification_failed"
	ReasonAmbiguousItems RejectReason = "ambiguous_line_items"
	ReasonUnknownPlan    RejectReason = "unknown_plan"
	ReasonInvalidName    RejectReason = "invalid_tenant_name"
	ReasonTenantCreate   RejectReason = "tenant_create_failed"
	ReasonInFlight       RejectReason = "checkout_in_flight"
)

// StepFailure records one failed step and, where the step has internal
// structure, the sub-step that failed.
type StepFailure struct {
	Step    Step
	SubStep string
	Detail  string
}

// JoinKeys are the identifiers that let the cooperating systems be
// reconciled after a partial failure.
type JoinKeys struct {
	TenantID       string
	TransactionID  string
	SubscriptionID string
}

// Outcome is the result of one workflow run.
type Outcome struct {
	RunID    string
	Status   Status
	Reason   RejectReason
	Keys     JoinKeys
	Tenant   *tenant.Tenant
	Linkage  *crm.Linkage
	Replayed bool
	Failures []StepFailure
	Warnings []string
}

func (o *Outcome) addFailure(step Step, subStep string, err error) {
	o.Failures = append(o.Failures, StepFailure{
		Step:    step,
		SubStep: subStep,
		Detail:  err.Error(),
	})
}

func (o *Outcome) addWarning(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// PaymentVerifier verifies transactions and maintains the subscription
// link to the tenant.
type PaymentVerifier interface {
	Verify(ctx context.Context, transactionID string) (*stripe.PurchaseFact, error)
	LinkTenant(ctx context.Context, subscriptionID, tenantID string) error
	LinkedTenantID(ctx context.Context, subscriptionID string) (string, error)
}

// TenantService provisions tenants.
type TenantService interface {
	CreateTenant(ctx context.Context, name, adminEmail string) (*tenant.Tenant, error)
	AttachLogo(ctx context.Context, tenantID string, logo tenant.Logo) error
	InviteMembers(ctx context.Context, tenantID string, members []tenant.Member) []tenant.InvitationResult
}

// CRMService records purchases in the CRM.
type CRMService interface {
	SyncTenant(ctx context.Context, in crm.SyncInput) (*crm.Linkage, error)
	FindTenantByTransactionID(ctx context.Context, transactionID string) (string, error)
}

// EntitlementService applies entitlement deltas to tenants.
type EntitlementService interface {
	Apply(ctx context.Context, tenantID string, delta plans.Delta) error
}

// Orchestrator drives the checkout-to-provisioning workflow.
type Orchestrator struct {
	payments     PaymentVerifier
	tenants      TenantService
	crm          CRMService
	entitlements EntitlementService
	guard        replay.Guard
	fetchLogo    func(ctx context.Context, ref string) (tenant.Logo, error)

	callTimeout time.Duration
	dedupeTTL   time.Duration
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Payments     PaymentVerifier
	Tenants      TenantService
	CRM          CRMService // nil disables CRM sync
	Entitlements EntitlementService
	Guard        replay.Guard
	CallTimeout  time.Duration
	DedupeTTL    time.Duration
}

const (
	defaultCallTimeout = 20 * time.Second
	defaultDedupeTTL   = 10 * time.Minute

	// Self-serve purchases open as a 12-month trial in the sales pipeline.
	trialRecordMonths = 12
)

// New creates a workflow orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		payments:     cfg.Payments,
		tenants:      cfg.Tenants,
		crm:          cfg.CRM,
		entitlements: cfg.Entitlements,
		guard:        cfg.Guard,
		callTimeout:  cfg.CallTimeout,
		dedupeTTL:    cfg.DedupeTTL,
	}
	if o.callTimeout <= 0 {
		o.callTimeout = defaultCallTimeout
	}
	if o.dedupeTTL <= 0 {
		o.dedupeTTL = defaultDedupeTTL
	}
	o.fetchLogo = fetchLogoHTTP
	return o
}

// ProcessReturn runs the full workflow for a checkout return. It always
// returns an outcome; the error is non-nil only for rejections, carrying
// the typed cause for HTTP status mapping.
func (o *Orchestrator) ProcessReturn(ctx context.Context, transactionID string) (*Outcome, error) {
	out := &Outcome{
		RunID:  uuid.NewString(),
		Status: StatusRejected,
		Keys:   JoinKeys{TransactionID: transactionID},
	}
	logger := log.With().
		Str("run_id", out.RunID).
		Str("transaction_id", transactionID).
		Logger()
	defer func() {
		ssmetrics.CheckoutRunsTotal.WithLabelValues(string(out.Status)).Inc()
	}()

	// Mark the dedupe key only for a fresh run. A duplicate must not
	// extend the window the original run holds, or a user retrying after
	// a 409 keeps pushing the key's expiry ahead of themselves. Rejected
	// runs release the key on exit so the next visit can retry at once.
	dedupeKey := "checkout:" + transactionID
	duplicate := o.guard != nil && o.guard.Seen(dedupeKey)
	if o.guard != nil && !duplicate {
		o.guard.Mark(dedupeKey, o.dedupeTTL)
	}
	defer func() {
		if o.guard != nil && out.Status == StatusRejected && out.Reason != ReasonInFlight {
			o.guard.Forget(dedupeKey)
		}
	}()

	// Verification.
	fact, err := o.verify(ctx, transactionID)
	if err != nil {
		out.Reason = rejectReasonFor(err)
		logger.Warn().Err(err).Str("reason", string(out.Reason)).Msg("checkout rejected at verification")
		return out, err
	}
	out.Keys.SubscriptionID = fact.SubscriptionID

	priceID, err := fact.PlanPriceID()
	if err != nil {
		out.Reason = ReasonAmbiguousItems
		return out, err
	}
	delta, err := plans.ComputeDeltas(priceID, plans.NormalizeCurrency(fact.Currency))
	if err != nil {
		out.Reason = ReasonUnknownPlan
		logger.Warn().Err(err).Str("price_id", priceID).Msg("checkout rejected at entitlement computation")
		return out, err
	}
	if delta.Fallback {
		out.addWarning("currency %s has no price table, used %s", fact.Currency, plans.DefaultCurrency)
	}

	// Idempotency gate. A tenant already joined to this transaction means
	// a previous run got at least through provisioning; re-running the
	// side-effect steps would duplicate tenants and double-grant credits.
	if existing := o.findExistingTenant(ctx, fact); existing != "" {
		logger.Info().Str("tenant_id", existing).Msg("checkout already provisioned, replaying outcome")
		out.Replayed = true
		out.Keys.TenantID = existing
		out.Tenant = &tenant.Tenant{ID: existing, Name: fact.WorkspaceName(), AdminEmail: fact.AdminEmail()}
		if o.guard != nil && fact.SubscriptionID != "" && o.guard.Seen(entitledKey(fact.SubscriptionID)) {
			out.Status = StatusSucceeded
			return out, nil
		}
		// No confirmed grant for this subscription yet: the earlier run
		// stopped before or inside the apply. Redo it so a partial
		// failure heals on the next visit; the applier flips access only
		// after limits and credits land, so the retry cannot unlock a
		// half-granted tenant.
		actx, cancel := context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
		if err := o.entitlements.Apply(actx, existing, delta); err != nil {
			ssmetrics.StepFailuresTotal.WithLabelValues(string(StepEntitlementApply), "fatal").Inc()
			out.addFailure(StepEntitlementApply, "", err)
			out.Status = StatusPartiallyFailed
			logger.Error().Err(err).
				Str("tenant_id", existing).
				Msg("entitlement apply failed on replay, tenant left locked")
			return out, nil
		}
		o.markEntitled(fact.SubscriptionID)
		out.Status = StatusSucceeded
		return out, nil
	}
	if duplicate {
		// A concurrent run for the same transaction is still in flight
		// and has not linked a tenant yet. Back off instead of racing it.
		out.Reason = ReasonInFlight
		err := fmt.Errorf("checkout %s already in flight", transactionID)
		logger.Warn().Msg("duplicate checkout suppressed")
		return out, err
	}

	// Provisioning.
	t, err := o.createTenant(ctx, fact)
	if err != nil {
		if errors.Is(err, tenant.ErrNameInvalid) {
			out.Reason = ReasonInvalidName
		} else {
			out.Reason = ReasonTenantCreate
		}
		logger.Error().Err(err).Msg("checkout rejected at provisioning")
		return out, err
	}
	out.Tenant = t
	out.Keys.TenantID = t.ID
	logger = logger.With().Str("tenant_id", t.ID).Logger()

	// Best-effort steps. Each failure degrades the outcome to a warning
	// without stopping the run.
	for _, step := range []struct {
		name Step
		run  func(context.Context) error
	}{
		{StepLogoAttach, func(ctx context.Context) error { return o.attachLogo(ctx, t.ID, fact) }},
		{StepMemberInvite, func(ctx context.Context) error { return o.inviteMembers(ctx, t.ID, fact) }},
		{StepSubscriptionLink, func(ctx context.Context) error { return o.linkSubscription(ctx, fact, t.ID) }},
	} {
		if err := step.run(ctx); err != nil {
			ssmetrics.StepFailuresTotal.WithLabelValues(string(step.name), "warning").Inc()
			out.addWarning("%s: %v", step.name, err)
			logger.Warn().Err(err).Str("step", string(step.name)).Msg("best-effort step failed")
		}
	}

	// Finalization: CRM sync and entitlement apply touch disjoint systems
	// and run concurrently. Only the entitlement result gates success.
	var applyErr error
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.Go(func() error {
		if o.crm == nil {
			return nil
		}
		cctx, cancel := context.WithTimeout(gctx, o.callTimeout)
		defer cancel()
		linkage, err := o.crm.SyncTenant(cctx, o.syncInput(t, fact, delta))
		out.Linkage = linkage
		if err != nil {
			var syncErr *crm.SyncError
			subStep := ""
			if errors.As(err, &syncErr) {
				subStep = syncErr.SubStep
			}
			ssmetrics.StepFailuresTotal.WithLabelValues(string(StepCRMSync), "warning").Inc()
			out.addFailure(StepCRMSync, subStep, err)
			logger.Warn().Err(err).Str("sub_step", subStep).Msg("crm sync failed, continuing")
		}
		return nil
	})
	g.Go(func() error {
		ectx, cancel := context.WithTimeout(gctx, o.callTimeout)
		defer cancel()
		applyErr = o.entitlements.Apply(ectx, t.ID, delta)
		return nil
	})
	_ = g.Wait()

	if applyErr != nil {
		ssmetrics.StepFailuresTotal.WithLabelValues(string(StepEntitlementApply), "fatal").Inc()
		out.addFailure(StepEntitlementApply, "", applyErr)
		out.Status = StatusPartiallyFailed
		out.Reason = ReasonNone
		logger.Error().Err(applyErr).
			Str("subscription_id", fact.SubscriptionID).
			Msg("entitlement apply failed, tenant left locked")
		return out, nil
	}
	o.markEntitled(fact.SubscriptionID)

	out.Reason = ReasonNone
	if len(out.Failures) > 0 {
		out.Status = StatusPartiallyFailed
	} else {
		out.Status = StatusSucceeded
	}
	logger.Info().
		Str("status", string(out.Status)).
		Int("warnings", len(out.Warnings)).
		Msg("checkout workflow finished")
	return out, nil
}

// SubscriptionActivated applies plan entitlements when a subscription
// transitions into the active state. The tenant must already exist and be
// linked via subscription metadata.
func (o *Orchestrator) SubscriptionActivated(ctx context.Context, sub stripe.SubscriptionEvent) error {
	tenantID := sub.TenantID()
	if tenantID == "" {
		return fmt.Errorf("%w: subscription %s carries no tenant link", stripe.ErrEventInvalid, sub.ID)
	}
	priceID := sub.FirstPriceID()
	delta, err := plans.ComputeDeltasByPrice(priceID)
	if err != nil {
		return fmt.Errorf("%w: %v", stripe.ErrEventInvalid, err)
	}
	// Activation grants a full billing year regardless of the table's
	// default cadence.
	delta.Cycle = plans.CycleYear

	if o.guard != nil && o.guard.Seen(entitledKey(sub.ID)) {
		log.Info().
			Str("subscription_id", sub.ID).
			Str("tenant_id", tenantID).
			Msg("subscription already entitled, skipping")
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	if err := o.entitlements.Apply(actx, tenantID, delta); err != nil {
		ssmetrics.StepFailuresTotal.WithLabelValues(string(StepEntitlementApply), "fatal").Inc()
		return fmt.Errorf("apply entitlements: %w", err)
	}
	o.markEntitled(sub.ID)

	log.Info().
		Str("subscription_id", sub.ID).
		Str("tenant_id", tenantID).
		Str("plan_id", delta.PlanID).
		Msg("subscription activation entitlements applied")
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, transactionID string) (*stripe.PurchaseFact, error) {
	vctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.payments.Verify(vctx, transactionID)
}

// findExistingTenant checks the subscription metadata link first, then
// the CRM workspace records. Either may lag; both lookups are best
// effort and an error counts as no link found.
func (o *Orchestrator) findExistingTenant(ctx context.Context, fact *stripe.PurchaseFact) string {
	lctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	if fact.SubscriptionID != "" {
		id, err := o.payments.LinkedTenantID(lctx, fact.SubscriptionID)
		if err != nil {
			log.Warn().Err(err).Str("subscription_id", fact.SubscriptionID).Msg("subscription link lookup failed")
		} else if id != "" {
			return id
		}
	}
	if o.crm != nil {
		id, err := o.crm.FindTenantByTransactionID(lctx, fact.TransactionID)
		if err != nil {
			log.Warn().Err(err).Msg("crm tenant lookup failed")
		} else if id != "" {
			return id
		}
	}
	return ""
}

func (o *Orchestrator) createTenant(ctx context.Context, fact *stripe.PurchaseFact) (*tenant.Tenant, error) {
	tctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.tenants.CreateTenant(tctx, fact.WorkspaceName(), fact.AdminEmail())
}

func (o *Orchestrator) attachLogo(ctx context.Context, tenantID string, fact *stripe.PurchaseFact) error {
	ref := strings.TrimSpace(fact.Correlation.LogoRef)
	if ref == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	logo, err := o.fetchLogo(lctx, ref)
	if err != nil {
		return fmt.Errorf("fetch logo: %w", err)
	}
	return o.tenants.AttachLogo(lctx, tenantID, logo)
}

func (o *Orchestrator) inviteMembers(ctx context.Context, tenantID string, fact *stripe.PurchaseFact) error {
	members := make([]tenant.Member, 0, len(fact.Correlation.Members)+1)
	if admin := fact.AdminEmail(); admin != "" {
		members = append(members, tenant.Member{Email: admin, Role: tenant.RoleAdmin})
	}
	for _, m := range fact.Correlation.Members {
		members = append(members, tenant.Member{Email: m.Email, Role: tenant.Role(m.Role)})
	}
	if len(members) == 0 {
		return nil
	}
	ictx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	results := o.tenants.InviteMembers(ictx, tenantID, members)
	failed := 0
	for _, r := range results {
		if !r.Succeeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d invitations failed", failed, len(results))
	}
	return nil
}

func (o *Orchestrator) linkSubscription(ctx context.Context, fact *stripe.PurchaseFact, tenantID string) error {
	if fact.SubscriptionID == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.payments.LinkTenant(lctx, fact.SubscriptionID, tenantID)
}

func (o *Orchestrator) syncInput(t *tenant.Tenant, fact *stripe.PurchaseFact, delta plans.Delta) crm.SyncInput {
	emails := make([]string, 0, len(fact.Correlation.Members))
	for _, m := range fact.Correlation.Members {
		emails = append(emails, m.Email)
	}
	months := 1
	if delta.Cycle == plans.CycleYear {
		months = 12
	}
	return crm.SyncInput{
		TenantID:       t.ID,
		TenantName:     t.Name,
		AdminEmail:     t.AdminEmail,
		MemberEmails:   emails,
		TransactionID:  fact.TransactionID,
		SubscriptionID: fact.SubscriptionID,
		InvoiceID:      fact.InvoiceID,
		PlanID:         delta.PlanID,
		PlanName:       planDisplayName(delta.PlanID),
		Currency:       fact.Currency,
		AmountTotal:    fact.AmountTotal,
		PaymentDate:    fact.PaymentDate,
		ResetCadence:   string(delta.Cycle),
		LimitResetDate: fact.PaymentDate.AddDate(0, months, 0),
		DurationMonths: months,
		TrialMonths:    trialRecordMonths,
	}
}

func (o *Orchestrator) markEntitled(subscriptionID string) {
	if o.guard == nil || subscriptionID == "" {
		return
	}
	o.guard.Mark(entitledKey(subscriptionID), o.dedupeTTL)
}

func entitledKey(subscriptionID string) string {
	return "entitled:" + subscriptionID
}

func rejectReasonFor(err error) RejectReason {
	switch {
	case errors.Is(err, stripe.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, stripe.ErrNotPaid):
		return ReasonNotPaid
	case errors.Is(err, stripe.ErrAmbiguousLineItems):
		return ReasonAmbiguousItems
	default:
		// Provider outages and transport errors are processing failures,
		// not proof the transaction does not exist.
		return ReasonVerifyFailed
	}
}

// planDisplayName turns a plan id into a readable product name.
func planDisplayName(planID string) string {
	words := strings.Split(planID, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// fetchLogoHTTP downloads a logo from the reference URL attached at
// checkout time.
func fetchLogoHTTP(ctx context.Context, ref string) (tenant.Logo, error) {
	if !strings.HasPrefix(ref, "https://") && !strings.HasPrefix(ref, "http://") {
		return tenant.Logo{}, fmt.Errorf("unsupported logo reference %q", ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return tenant.Logo{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return tenant.Logo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tenant.Logo{}, fmt.Errorf("logo fetch returned HTTP %d", resp.StatusCode)
	}
	const maxLogoBytes = 2 << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLogoBytes))
	if err != nil {
		return tenant.Logo{}, err
	}
	if len(data) == 0 {
		return tenant.Logo{}, errors.New("empty logo body")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return tenant.Logo{
		Filename:    "logo",
		ContentType: contentType,
		Data:        data,
	}, nil
}
