package router

import (
	"net/http"

	"github.com/smartprospect/backend/internal/auth"
	"github.com/smartprospect/backend/internal/handlers"
	"github.com/smartprospect/backend/internal/middleware"
)

// Deps groups everything the route table needs.
type Deps struct {
	Auth           *auth.Handler
	Tokens         middleware.TokenValidator
	Campaigns      *handlers.CampaignHandler
	Credits        *handlers.CreditHandler
	Webhooks       *handlers.WebhookHandler
	CallbackSecret string
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// New returns an http.Handler serving the user API under /api/v1 and the
// inbound webhooks under /webhooks.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	user := middleware.JWTAuth(d.Tokens)
	callback := middleware.CallbackAuth(d.CallbackSecret)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	mux.HandleFunc("POST "+base+"/auth/register", d.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", d.Auth.Login)

	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, user(h))
	}
	c := d.Campaigns
	authed("GET "+base+"/campaigns", c.List)
	authed("POST "+base+"/campaigns", c.Create)
	mux.HandleFunc("GET "+base+"/campaigns/quote", c.Quote)
	authed("GET "+base+"/campaigns/{id}", c.Get)
	authed("DELETE "+base+"/campaigns/{id}", c.Delete)
	authed("GET "+base+"/campaigns/{id}/timeline", c.Timeline)
	authed("GET "+base+"/campaigns/{id}/prospects", c.Prospects)
	authed("GET "+base+"/campaigns/{id}/export.csv", c.Export)
	authed("POST "+base+"/campaigns/{id}/generate", c.Generate)
	authed("POST "+base+"/campaigns/{id}/submit-review", c.SubmitForReview)
	authed("POST "+base+"/campaigns/{id}/approve", c.Approve)
	authed("POST "+base+"/campaigns/{id}/prepare-dispatch", c.PrepareDispatch)
	authed("POST "+base+"/campaigns/{id}/dispatch", c.Dispatch)
	authed("POST "+base+"/campaigns/{id}/retry", c.Retry)
	authed("POST "+base+"/campaigns/{id}/cancel", c.Cancel)

	cr := d.Credits
	authed("GET "+base+"/account/me", cr.Me)
	authed("GET "+base+"/credit-ledger", cr.Ledger)
	mux.HandleFunc("GET "+base+"/credits/tiers", cr.ListTiers)
	authed("POST "+base+"/credits/checkout", cr.Checkout)

	wh := d.Webhooks
	mux.HandleFunc("POST /webhooks/stripe", wh.Stripe)
	mux.Handle("POST /webhooks/workflow/generation", callback(http.HandlerFunc(wh.Generation)))
	mux.Handle("POST /webhooks/workflow/dispatch", callback(http.HandlerFunc(wh.DispatchResult)))

	return mux
}
