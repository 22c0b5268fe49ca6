package selfserve

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/qualloop/selfserve/internal/logging"
	"github.com/qualloop/selfserve/internal/selfserve/checkout"
	"github.com/qualloop/selfserve/internal/selfserve/stripe"
	"github.com/rs/zerolog/log"
)

var successPageTemplate = template.Must(template.New("checkout-success-page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    :root { color-scheme: light; }
    body { margin: 0; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; background: linear-gradient(140deg, #f7fafc, #edf2f7); color: #1a202c; }
    .wrap { max-width: 640px; margin: 48px auto; padding: 0 16px; }
    .card { background: #fff; border-radius: 12px; border: 1px solid #e2e8f0; box-shadow: 0 8px 30px rgba(15,23,42,.08); padding: 28px; }
    h1 { margin: 0 0 8px; font-size: 26px; }
    p { margin: 0 0 16px; line-height: 1.5; color: #334155; }
    .meta { background: #f8fafc; border: 1px solid #e2e8f0; border-radius: 8px; padding: 12px; margin-bottom: 16px; font-size: 14px; color: #475569; }
    .error { background: #fef2f2; color: #991b1b; border: 1px solid #fecaca; border-radius: 8px; padding: 10px 12px; margin-bottom: 12px; font-size: 14px; }
    .note { background: #fffbeb; color: #92400e; border: 1px solid #fde68a; border-radius: 8px; padding: 10px 12px; margin-bottom: 12px; font-size: 14px; }
    .fine { font-size: 12px; color: #64748b; margin-top: 12px; }
  </style>
</head>
<body>
  <div class="wrap">
    <div class="card">
      <h1>{{.Heading}}</h1>
      {{if .ErrorMessage}}<div class="error">{{.ErrorMessage}}</div>{{end}}
      {{if .Pending}}<div class="note">Your workspace was created but some setup is still completing. Our team has been notified; no action is needed on your side.</div>{{end}}
      {{if .Message}}<p>{{.Message}}</p>{{end}}
      {{if .WorkspaceName}}
      <div class="meta">
        <div><strong>Workspace:</strong> {{.WorkspaceName}}</div>
        {{if .AdminEmail}}<div><strong>Admin:</strong> {{.AdminEmail}}</div>{{end}}
        {{if .TenantID}}<div><strong>Workspace ID:</strong> {{.TenantID}}</div>{{end}}
      </div>
      {{end}}
      <p class="fine">A confirmation has been sent to the email used at checkout.</p>
    </div>
  </div>
</body>
</html>
`))

type successPageData struct {
	Title         string
	Heading       string
	Message       string
	ErrorMessage  string
	Pending       bool
	WorkspaceName string
	AdminEmail    string
	TenantID      string
}

// WorkflowRunner is the orchestrator surface the success handler needs.
type WorkflowRunner interface {
	ProcessReturn(ctx context.Context, transactionID string) (*checkout.Outcome, error)
}

// HandleCheckoutSuccess is the checkout return landing page. The payment
// provider redirects here with the transaction id; the full workflow runs
// synchronously before the page renders.
func HandleCheckoutSuccess(runner WorkflowRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		transactionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if transactionID == "" {
			renderSuccessPage(w, http.StatusBadRequest, successPageData{
				Title:        "Checkout",
				Heading:      "Missing checkout reference",
				ErrorMessage: "The checkout reference is missing from the URL. Use the link from your payment confirmation.",
			})
			return
		}

		log.Info().
			Str("request_id", logging.RequestIDFrom(r.Context())).
			Str("transaction_id", transactionID).
			Msg("checkout return received")

		outcome, err := runner.ProcessReturn(r.Context(), transactionID)
		if err != nil {
			renderRejection(w, outcome, err)
			return
		}

		data := successPageData{
			Title:   "Workspace Ready",
			Heading: "Your workspace is ready",
			Message: "Payment confirmed and your workspace has been provisioned. Invitations are on their way to your team.",
		}
		if outcome.Tenant != nil {
			data.WorkspaceName = outcome.Tenant.Name
			data.AdminEmail = outcome.Tenant.AdminEmail
			data.TenantID = outcome.Tenant.ID
		}
		if outcome.Replayed {
			data.Message = "This purchase was already processed; here is your existing workspace."
		}
		if outcome.Status == checkout.StatusPartiallyFailed {
			data.Title = "Almost There"
			data.Heading = "Workspace setup in progress"
			data.Message = ""
			data.Pending = true
		}
		renderSuccessPage(w, http.StatusOK, data)
	}
}

func renderRejection(w http.ResponseWriter, outcome *checkout.Outcome, err error) {
	status := http.StatusInternalServerError
	data := successPageData{
		Title:        "Checkout",
		Heading:      "We could not complete your setup",
		ErrorMessage: "Something went wrong while setting up your workspace. Please contact support with your payment confirmation.",
	}
	reason := checkout.ReasonNone
	if outcome != nil {
		reason = outcome.Reason
	}
	switch reason {
	case checkout.ReasonNotFound:
		status = http.StatusNotFound
		data.ErrorMessage = "We could not find this checkout. Check the link from your payment confirmation."
	case checkout.ReasonNotPaid:
		status = http.StatusBadRequest
		data.ErrorMessage = "This payment has not completed yet. If you just paid, wait a moment and reload."
	case checkout.ReasonAmbiguousItems, checkout.ReasonUnknownPlan:
		status = http.StatusBadRequest
		data.ErrorMessage = "This purchase could not be matched to a plan. Please contact support."
	case checkout.ReasonInvalidName:
		status = http.StatusBadRequest
		data.ErrorMessage = "The workspace name attached to this purchase is not valid. Please contact support."
	case checkout.ReasonInFlight:
		status = http.StatusConflict
		data.ErrorMessage = "This checkout is already being processed. Reload in a few seconds."
	case checkout.ReasonVerifyFailed:
		data.ErrorMessage = "We could not confirm your payment right now. Please try again in a few minutes."
	}
	if errors.Is(err, stripe.ErrNotFound) && status == http.StatusInternalServerError {
		status = http.StatusNotFound
	}
	renderSuccessPage(w, status, data)
}

func renderSuccessPage(w http.ResponseWriter, status int, data successPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := successPageTemplate.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("render checkout success page")
	}
}
