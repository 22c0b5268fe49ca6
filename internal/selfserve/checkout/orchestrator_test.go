package checkout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qualloop/selfserve/internal/selfserve/crm"
	"github.com/qualloop/selfserve/internal/selfserve/plans"
	"github.com/qualloop/selfserve/internal/selfserve/replay"
	"github.com/qualloop/selfserve/internal/selfserve/stripe"
	"github.com/qualloop/selfserve/internal/selfserve/tenant"
)

const testPriceID = "price_1RT5Q6LABPmBqoee2ViiMm74" // project-pack, USD

type fakePayments struct {
	fact      *stripe.PurchaseFact
	verifyErr error

	linkedTenant string
	linkErr      error
	linkCalls    int32
}

func (f *fakePayments) Verify(context.Context, string) (*stripe.PurchaseFact, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.fact, nil
}

func (f *fakePayments) LinkTenant(_ context.Context, _, tenantID string) error {
	atomic.AddInt32(&f.linkCalls, 1)
	if f.linkErr == nil {
		f.linkedTenant = tenantID
	}
	return f.linkErr
}

func (f *fakePayments) LinkedTenantID(context.Context, string) (string, error) {
	return f.linkedTenant, nil
}

type fakeTenants struct {
	createErr   error
	createCalls int32
	inviteFail  bool
	invited     []tenant.Member
	logoCalls   int32
}

func (f *fakeTenants) CreateTenant(_ context.Context, name, adminEmail string) (*tenant.Tenant, error) {
	atomic.AddInt32(&f.createCalls, 1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if err := tenant.ValidateName(name); err != nil {
		return nil, err
	}
	return &tenant.Tenant{ID: "org_new", Name: name, AdminEmail: adminEmail}, nil
}

func (f *fakeTenants) AttachLogo(context.Context, string, tenant.Logo) error {
	atomic.AddInt32(&f.logoCalls, 1)
	return nil
}

func (f *fakeTenants) InviteMembers(_ context.Context, _ string, members []tenant.Member) []tenant.InvitationResult {
	f.invited = members
	results := make([]tenant.InvitationResult, len(members))
	for i, m := range members {
		results[i] = tenant.InvitationResult{Member: m, Succeeded: !f.inviteFail}
		if f.inviteFail {
			results[i].Err = errors.New("invite failed")
		}
	}
	return results
}

type fakeCRM struct {
	syncErr     error
	syncCalls   int32
	lastInput   crm.SyncInput
	knownTenant string
}

func (f *fakeCRM) SyncTenant(_ context.Context, in crm.SyncInput) (*crm.Linkage, error) {
	atomic.AddInt32(&f.syncCalls, 1)
	f.lastInput = in
	if f.syncErr != nil {
		return &crm.Linkage{CompanyID: "rec_co"}, f.syncErr
	}
	return &crm.Linkage{
		CompanyID:     "rec_co",
		WorkspaceID:   "rec_ws",
		DealID:        "rec_deal",
		FullProductID: "rec_prod",
	}, nil
}

func (f *fakeCRM) FindTenantByTransactionID(context.Context, string) (string, error) {
	return f.knownTenant, nil
}

type fakeEntitlements struct {
	applyErr   error
	applyCalls int32
	lastTenant string
	lastDelta  plans.Delta
}

func (f *fakeEntitlements) Apply(_ context.Context, tenantID string, delta plans.Delta) error {
	atomic.AddInt32(&f.applyCalls, 1)
	f.lastTenant = tenantID
	f.lastDelta = delta
	return f.applyErr
}

func paidFact() *stripe.PurchaseFact {
	return &stripe.PurchaseFact{
		TransactionID:  "cs_test_123",
		PayerEmail:     "buyer@example.com",
		PayerName:      "Ada Buyer",
		AmountTotal:    49900,
		Currency:       "USD",
		PaymentDate:    time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		SubscriptionID: "sub_123",
		LineItems:      []stripe.LineItem{{PriceID: testPriceID, Quantity: 1}},
		Correlation: stripe.Correlation{
			WorkspaceName: "Acme Research",
			AdminEmail:    "admin@acme.example",
			Members:       []stripe.MemberInvite{{Email: "analyst@acme.example", Role: "basic_member"}},
		},
	}
}

type fixtures struct {
	payments     *fakePayments
	tenants      *fakeTenants
	crm          *fakeCRM
	entitlements *fakeEntitlements
	guard        *replay.Store
}

func newOrchestrator(fx *fixtures) *Orchestrator {
	return New(Config{
		Payments:     fx.payments,
		Tenants:      fx.tenants,
		CRM:          fx.crm,
		Entitlements: fx.entitlements,
		Guard:        fx.guard,
		CallTimeout:  5 * time.Second,
		DedupeTTL:    time.Minute,
	})
}

func newFixtures() *fixtures {
	return &fixtures{
		payments:     &fakePayments{fact: paidFact()},
		tenants:      &fakeTenants{},
		crm:          &fakeCRM{},
		entitlements: &fakeEntitlements{},
		guard:        replay.NewStore(),
	}
}

func TestProcessReturnHappyPath(t *testing.T) {
	fx := newFixtures()
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("ProcessReturn: %v", err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status=%q, want=%q, failures=%+v", out.Status, StatusSucceeded, out.Failures)
	}
	if out.Keys.TenantID != "org_new" || out.Keys.TransactionID != "cs_test_123" || out.Keys.SubscriptionID != "sub_123" {
		t.Errorf("join keys=%+v", out.Keys)
	}
	if out.RunID == "" {
		t.Error("run id not set")
	}

	if fx.tenants.createCalls != 1 {
		t.Errorf("tenant creates=%d, want=1", fx.tenants.createCalls)
	}
	// Admin plus one member invited.
	if len(fx.tenants.invited) != 2 {
		t.Fatalf("invited=%+v, want admin + 1 member", fx.tenants.invited)
	}
	if fx.tenants.invited[0].Role != tenant.RoleAdmin {
		t.Errorf("first invite role=%q, want admin", fx.tenants.invited[0].Role)
	}

	if fx.payments.linkedTenant != "org_new" {
		t.Errorf("subscription link=%q, want=org_new", fx.payments.linkedTenant)
	}

	if fx.crm.syncCalls != 1 {
		t.Errorf("crm syncs=%d, want=1", fx.crm.syncCalls)
	}
	if fx.crm.lastInput.TenantID != "org_new" || fx.crm.lastInput.TransactionID != "cs_test_123" {
		t.Errorf("crm input=%+v", fx.crm.lastInput)
	}
	if fx.crm.lastInput.PlanName != "Project Pack" {
		t.Errorf("plan name=%q", fx.crm.lastInput.PlanName)
	}
	if fx.crm.lastInput.TrialMonths != 12 {
		t.Errorf("trial months=%d, want=12", fx.crm.lastInput.TrialMonths)
	}

	if fx.entitlements.applyCalls != 1 {
		t.Errorf("entitlement applies=%d, want=1", fx.entitlements.applyCalls)
	}
	if fx.entitlements.lastTenant != "org_new" {
		t.Errorf("entitlements applied to %q", fx.entitlements.lastTenant)
	}
	if fx.entitlements.lastDelta.Adjustments[plans.AllowanceProject] != 1 {
		t.Errorf("project adjustment=%d, want=1", fx.entitlements.lastDelta.Adjustments[plans.AllowanceProject])
	}
	if fx.entitlements.lastDelta.Cycle != plans.CycleMonth {
		t.Errorf("cycle=%q, want=month", fx.entitlements.lastDelta.Cycle)
	}
}

func TestProcessReturnRejectsUnpaid(t *testing.T) {
	fx := newFixtures()
	fx.payments.verifyErr = stripe.ErrNotPaid
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Status != StatusRejected || out.Reason != ReasonNotPaid {
		t.Errorf("status=%q reason=%q", out.Status, out.Reason)
	}
	if fx.tenants.createCalls != 0 {
		t.Error("tenant created for unpaid checkout")
	}
	if fx.entitlements.applyCalls != 0 {
		t.Error("entitlements applied for unpaid checkout")
	}
}

func TestProcessReturnRejectsUnknownTransaction(t *testing.T) {
	fx := newFixtures()
	fx.payments.verifyErr = stripe.ErrNotFound
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_gone")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonNotFound {
		t.Errorf("reason=%q, want=%q", out.Reason, ReasonNotFound)
	}
}

func TestProcessReturnRejectsUnknownPlan(t *testing.T) {
	fx := newFixtures()
	fx.payments.fact.LineItems = []stripe.LineItem{{PriceID: "price_unknown", Quantity: 1}}
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonUnknownPlan {
		t.Errorf("reason=%q, want=%q", out.Reason, ReasonUnknownPlan)
	}
	if fx.tenants.createCalls != 0 {
		t.Error("tenant created for unknown plan")
	}
}

func TestProcessReturnRejectsAmbiguousLineItems(t *testing.T) {
	fx := newFixtures()
	fx.payments.fact.LineItems = []stripe.LineItem{
		{PriceID: testPriceID},
		{PriceID: "price_other"},
	}
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if !errors.Is(err, stripe.ErrAmbiguousLineItems) {
		t.Fatalf("err=%v, want ErrAmbiguousLineItems", err)
	}
	if out.Reason != ReasonAmbiguousItems {
		t.Errorf("reason=%q", out.Reason)
	}
}

func TestProcessReturnReplaySameTenant(t *testing.T) {
	fx := newFixtures()
	o := newOrchestrator(fx)

	out1, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The subscription now carries the tenant link; a second return visit
	// must not provision again or re-grant credits.
	out2, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out2.Status != StatusSucceeded || !out2.Replayed {
		t.Fatalf("second run status=%q replayed=%v", out2.Status, out2.Replayed)
	}
	if out2.Keys.TenantID != out1.Keys.TenantID {
		t.Errorf("tenant id changed across replays: %q vs %q", out1.Keys.TenantID, out2.Keys.TenantID)
	}
	if fx.tenants.createCalls != 1 {
		t.Errorf("tenant creates=%d, want=1", fx.tenants.createCalls)
	}
	if fx.entitlements.applyCalls != 1 {
		t.Errorf("entitlement applies=%d, want=1 (no double grant)", fx.entitlements.applyCalls)
	}
}

func TestProcessReturnReplayViaCRMLookup(t *testing.T) {
	fx := newFixtures()
	fx.payments.fact.SubscriptionID = ""
	fx.crm.knownTenant = "org_existing"
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("ProcessReturn: %v", err)
	}
	if !out.Replayed || out.Keys.TenantID != "org_existing" {
		t.Errorf("outcome=%+v, want replay of org_existing", out)
	}
	if fx.tenants.createCalls != 0 {
		t.Error("tenant created despite existing CRM link")
	}
}

func TestProcessReturnTenantCreateFailureRejects(t *testing.T) {
	fx := newFixtures()
	fx.tenants.createErr = errors.New("identity provider down")
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Status != StatusRejected || out.Reason != ReasonTenantCreate {
		t.Errorf("status=%q reason=%q", out.Status, out.Reason)
	}
	if fx.entitlements.applyCalls != 0 {
		t.Error("entitlements applied without a tenant")
	}
}

func TestProcessReturnInvalidNameRejects(t *testing.T) {
	fx := newFixtures()
	fx.payments.fact.Correlation.WorkspaceName = "Bad <name>"
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonInvalidName {
		t.Errorf("reason=%q, want=%q", out.Reason, ReasonInvalidName)
	}
}

func TestProcessReturnCRMFailureIsPartial(t *testing.T) {
	fx := newFixtures()
	fx.crm.syncErr = &crm.SyncError{SubStep: "workspace", Err: errors.New("attio down")}
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("ProcessReturn: %v", err)
	}
	if out.Status != StatusPartiallyFailed {
		t.Fatalf("status=%q, want=%q", out.Status, StatusPartiallyFailed)
	}
	// Entitlements still applied; the workspace stays usable.
	if fx.entitlements.applyCalls != 1 {
		t.Errorf("entitlement applies=%d, want=1", fx.entitlements.applyCalls)
	}
	if len(out.Failures) != 1 || out.Failures[0].Step != StepCRMSync || out.Failures[0].SubStep != "workspace" {
		t.Errorf("failures=%+v", out.Failures)
	}
	// Partial linkage retained for reconciliation.
	if out.Linkage == nil || out.Linkage.CompanyID != "rec_co" {
		t.Errorf("linkage=%+v", out.Linkage)
	}
}

func TestProcessReturnEntitlementFailureIsPartial(t *testing.T) {
	fx := newFixtures()
	fx.entitlements.applyErr = errors.New("entitlement api down")
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("ProcessReturn: %v", err)
	}
	if out.Status != StatusPartiallyFailed {
		t.Fatalf("status=%q, want=%q", out.Status, StatusPartiallyFailed)
	}
	found := false
	for _, f := range out.Failures {
		if f.Step == StepEntitlementApply {
			found = true
		}
	}
	if !found {
		t.Errorf("failures=%+v, want entitlement_apply", out.Failures)
	}
	// Tenant exists and join keys are reported for manual reconciliation.
	if out.Keys.TenantID == "" || out.Keys.SubscriptionID == "" {
		t.Errorf("join keys=%+v", out.Keys)
	}
}

func TestProcessReturnBestEffortFailuresAreWarnings(t *testing.T) {
	fx := newFixtures()
	fx.tenants.inviteFail = true
	fx.payments.linkErr = errors.New("stripe metadata update failed")
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("ProcessReturn: %v", err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status=%q, want=%q (best-effort failures must not fail the run)", out.Status, StatusSucceeded)
	}
	if len(out.Warnings) < 2 {
		t.Errorf("warnings=%v, want invite and link warnings", out.Warnings)
	}
}

func TestProcessReturnDuplicateInFlight(t *testing.T) {
	fx := newFixtures()
	o := newOrchestrator(fx)

	// Simulate an in-flight duplicate: guard marked, no tenant linked yet.
	fx.guard.Mark("checkout:cs_test_123", time.Minute)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonInFlight {
		t.Errorf("reason=%q, want=%q", out.Reason, ReasonInFlight)
	}
	if fx.tenants.createCalls != 0 {
		t.Error("tenant created while duplicate in flight")
	}
}

func TestProcessReturnRejectedRunDoesNotBlockRetry(t *testing.T) {
	fx := newFixtures()
	fx.payments.verifyErr = stripe.ErrNotPaid
	o := newOrchestrator(fx)

	if _, err := o.ProcessReturn(context.Background(), "cs_test_123"); err == nil {
		t.Fatal("expected rejection while payment settles")
	}

	// Payment completes; the retry must run, not bounce off the dedupe key
	// left over from the rejected visit.
	fx.payments.verifyErr = nil
	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("retry after settlement: %v", err)
	}
	if out.Status != StatusSucceeded || out.Reason == ReasonInFlight {
		t.Fatalf("status=%q reason=%q, want succeeded", out.Status, out.Reason)
	}
	if fx.tenants.createCalls != 1 {
		t.Errorf("tenant creates=%d, want=1", fx.tenants.createCalls)
	}
}

func TestProcessReturnDuplicateDoesNotExtendWindow(t *testing.T) {
	fx := newFixtures()
	current := time.Now()
	fx.guard = replay.NewStoreWithClock(func() time.Time { return current })
	o := newOrchestrator(fx)

	// Another run holds the key; the bounced visit must not refresh it.
	fx.guard.Mark("checkout:cs_test_123", time.Minute)
	if _, err := o.ProcessReturn(context.Background(), "cs_test_123"); err == nil {
		t.Fatal("expected in-flight rejection")
	}

	current = current.Add(2 * time.Minute)
	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("retry after window expired: %v", err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status=%q reason=%q, want succeeded", out.Status, out.Reason)
	}
}

func TestProcessReturnReplayRetriesFailedApply(t *testing.T) {
	fx := newFixtures()
	fx.entitlements.applyErr = errors.New("entitlement api down")
	o := newOrchestrator(fx)

	out1, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if out1.Status != StatusPartiallyFailed {
		t.Fatalf("first run status=%q, want=%q", out1.Status, StatusPartiallyFailed)
	}

	// The entitlement service recovers; the replay visit must retry the
	// apply instead of reporting the locked tenant as ready.
	fx.entitlements.applyErr = nil
	out2, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out2.Status != StatusSucceeded || !out2.Replayed {
		t.Fatalf("second run status=%q replayed=%v", out2.Status, out2.Replayed)
	}
	if fx.entitlements.applyCalls != 2 {
		t.Errorf("entitlement applies=%d, want=2 (retry on replay)", fx.entitlements.applyCalls)
	}
	if fx.tenants.createCalls != 1 {
		t.Errorf("tenant creates=%d, want=1", fx.tenants.createCalls)
	}

	// A third visit finds the grant confirmed and skips the apply.
	out3, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if out3.Status != StatusSucceeded {
		t.Fatalf("third run status=%q", out3.Status)
	}
	if fx.entitlements.applyCalls != 2 {
		t.Errorf("entitlement applies=%d, want=2 (no double grant)", fx.entitlements.applyCalls)
	}
}

func TestProcessReturnVerifierOutageIsProcessingFailure(t *testing.T) {
	fx := newFixtures()
	fx.payments.verifyErr = errors.New("stripe: HTTP 500")
	o := newOrchestrator(fx)

	out, err := o.ProcessReturn(context.Background(), "cs_test_123")
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Reason != ReasonVerifyFailed {
		t.Errorf("reason=%q, want=%q", out.Reason, ReasonVerifyFailed)
	}
	if out.Reason == ReasonNotFound {
		t.Error("provider outage reported as unknown transaction")
	}
}

func TestSubscriptionActivatedAppliesYearCycle(t *testing.T) {
	fx := newFixtures()
	o := newOrchestrator(fx)

	sub := stripe.SubscriptionEvent{
		ID:       "sub_123",
		Status:   "active",
		Metadata: map[string]string{"workspace_id": "org_abc"},
	}
	sub.Items.Data = []struct {
		Price struct {
			ID       string `json:"id"`
			Currency string `json:"currency"`
		} `json:"price"`
	}{{}}
	sub.Items.Data[0].Price.ID = testPriceID

	if err := o.SubscriptionActivated(context.Background(), sub); err != nil {
		t.Fatalf("SubscriptionActivated: %v", err)
	}
	if fx.entitlements.lastTenant != "org_abc" {
		t.Errorf("applied to %q, want org_abc", fx.entitlements.lastTenant)
	}
	if fx.entitlements.lastDelta.Cycle != plans.CycleYear {
		t.Errorf("cycle=%q, want=year", fx.entitlements.lastDelta.Cycle)
	}

	// A second activation for the same subscription is skipped.
	if err := o.SubscriptionActivated(context.Background(), sub); err != nil {
		t.Fatalf("second activation: %v", err)
	}
	if fx.entitlements.applyCalls != 1 {
		t.Errorf("entitlement applies=%d, want=1", fx.entitlements.applyCalls)
	}
}

func TestSubscriptionActivatedWithoutTenantLink(t *testing.T) {
	fx := newFixtures()
	o := newOrchestrator(fx)

	sub := stripe.SubscriptionEvent{ID: "sub_unlinked", Status: "active"}
	err := o.SubscriptionActivated(context.Background(), sub)
	if !errors.Is(err, stripe.ErrEventInvalid) {
		t.Fatalf("err=%v, want ErrEventInvalid", err)
	}
	if fx.entitlements.applyCalls != 0 {
		t.Error("entitlements applied without tenant link")
	}
}

func TestSubscriptionActivatedUnknownPlan(t *testing.T) {
	fx := newFixtures()
	o := newOrchestrator(fx)

	sub := stripe.SubscriptionEvent{
		ID:       "sub_123",
		Status:   "active",
		Metadata: map[string]string{"workspace_id": "org_abc"},
	}
	err := o.SubscriptionActivated(context.Background(), sub)
	if !errors.Is(err, stripe.ErrEventInvalid) {
		t.Fatalf("err=%v, want ErrEventInvalid", err)
	}
}

func TestPlanDisplayName(t *testing.T) {
	cases := map[string]string{
		"project-pack":         "Project Pack",
		"open-ends-pack-small": "Open Ends Pack Small",
		"chat-pack":            "Chat Pack",
	}
	for in, want := range cases {
		if got := planDisplayName(in); got != want {
			t.Errorf("planDisplayName(%q)=%q, want=%q", in, got, want)
		}
	}
}
