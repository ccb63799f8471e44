package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/smartprospect/backend/internal/middleware"
	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/orchestrator"
	"github.com/smartprospect/backend/internal/payments"
	"github.com/smartprospect/backend/internal/store/memstore"
	"github.com/smartprospect/backend/internal/workflow"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const stripeSecret = "whsec_handlers"

type stubWorkflow struct{}

func (stubWorkflow) StartGeneration(_ context.Context, _ workflow.GenerationRequest) (*workflow.Accepted, error) {
	return &workflow.Accepted{RunID: "run-1"}, nil
}

func (stubWorkflow) StartDispatch(_ context.Context, _ workflow.DispatchRequest) (*workflow.Accepted, error) {
	return &workflow.Accepted{RunID: "run-2"}, nil
}

func (stubWorkflow) RunStatus(_ context.Context, _ string) (workflow.RunState, error) {
	return workflow.RunRunning, nil
}

type fixture struct {
	svc       *orchestrator.Service
	campaigns *CampaignHandler
	credits   *CreditHandler
	webhooks  *WebhookHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pay := payments.NewClient(payments.Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: stripeSecret,
		Tiers:         payments.DefaultTiers("price_50", "price_100", "price_200"),
	}, nil)
	svc := orchestrator.New(orchestrator.Config{
		BaseCost:        50,
		CostPerProspect: 1,
		MaxProspects:    100,
		CallbackBaseURL: "https://api.example.com",
	}, orchestrator.Deps{Store: memstore.New(), Workflow: stubWorkflow{}, Checkout: pay})
	parser, err := workflow.NewParser()
	if err != nil {
		t.Fatalf("parser: %v", err)
	}
	return &fixture{
		svc:       svc,
		campaigns: &CampaignHandler{Svc: svc},
		credits:   &CreditHandler{Svc: svc, Tiers: pay},
		webhooks:  &WebhookHandler{Svc: svc, Payments: pay, Parser: parser},
	}
}

func (f *fixture) account(t *testing.T, credits int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	acc, err := f.svc.RegisterAccount(ctx, uuid.NewString()+"@example.com", "hash", "")
	if err != nil {
		t.Fatal(err)
	}
	if credits > 0 {
		if _, err := f.svc.AdjustCredits(ctx, orchestrator.Adjustment{AccountID: acc.ID, Delta: credits, Note: "seed"}); err != nil {
			t.Fatal(err)
		}
	}
	return acc.ID
}

// request builds an authenticated request; a nil account leaves it anonymous.
func request(method, path string, account *uuid.UUID, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	if account != nil {
		r = r.WithContext(middleware.WithAccountID(r.Context(), *account))
	}
	return r
}

func withID(r *http.Request, id uuid.UUID) *http.Request {
	r.SetPathValue("id", id.String())
	return r
}

func newCampaignBody(n int) orchestrator.NewCampaign {
	rows := make([]orchestrator.ProspectRow, n)
	for i := range rows {
		rows[i] = orchestrator.ProspectRow{
			CompanyName: fmt.Sprintf("Company %d", i),
			ContactName: fmt.Sprintf("Contact %d", i),
			Email:       fmt.Sprintf("contact%d@example.com", i),
		}
	}
	return orchestrator.NewCampaign{Name: "Outreach", Prospects: rows}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (f *fixture) create(t *testing.T, owner uuid.UUID, n int) *models.Campaign {
	t.Helper()
	rec := httptest.NewRecorder()
	f.campaigns.Create(rec, request(http.MethodPost, "/api/v1/campaigns", &owner, newCampaignBody(n)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[*models.Campaign](t, rec)
}

func signedStripeEvent(t *testing.T, eventID string, account uuid.UUID, credits int) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_" + eventID,
			"object":         "checkout.session",
			"payment_status": "paid",
			"metadata":       map[string]string{"account_id": account.String(), "credits": fmt.Sprint(credits)},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	return payload, signed.Header
}

// ---------------------------------------------------------------------------
// Campaign endpoints
// ---------------------------------------------------------------------------

func TestCreateCampaign_StatusCodes(t *testing.T) {
	f := newFixture(t)
	poor := f.account(t, 0)
	rich := f.account(t, 500)

	cases := []struct {
		name    string
		account *uuid.UUID
		body    any
		want    int
	}{
		{"anonymous", nil, newCampaignBody(3), http.StatusUnauthorized},
		{"insufficient credits", &poor, newCampaignBody(3), http.StatusPaymentRequired},
		{"no prospects", &rich, newCampaignBody(0), http.StatusUnprocessableEntity},
		{"funded", &rich, newCampaignBody(3), http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.campaigns.Create(rec, request(http.MethodPost, "/api/v1/campaigns", tc.account, tc.body))
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", strings.NewReader("{not json"))
	f.campaigns.Create(rec, r.WithContext(middleware.WithAccountID(r.Context(), rich)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: expected 400, got %d", rec.Code)
	}
}

func TestCampaign_OtherOwnerNotFoundAndBadID(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 500)
	stranger := f.account(t, 0)
	c := f.create(t, owner, 2)

	rec := httptest.NewRecorder()
	f.campaigns.Get(rec, withID(request(http.MethodGet, "/", &stranger, nil), c.ID))
	if rec.Code != http.StatusNotFound {
		t.Errorf("stranger: expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r := request(http.MethodGet, "/", &owner, nil)
	r.SetPathValue("id", "not-a-uuid")
	f.campaigns.Get(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestCampaign_IllegalTransitionIsConflict(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 500)
	c := f.create(t, owner, 2)

	rec := httptest.NewRecorder()
	f.campaigns.Approve(rec, withID(request(http.MethodPost, "/", &owner, nil), c.ID))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != string(models.StatusCreated) || body["event"] != string(models.EventApprove) {
		t.Errorf("unexpected conflict body: %v", body)
	}
}

func TestGenerateAndCallback(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 500)
	c := f.create(t, owner, 2)

	rec := httptest.NewRecorder()
	f.campaigns.Generate(rec, withID(request(http.MethodPost, "/", &owner, nil), c.ID))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("generate: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	started := decode[jobResponse](t, rec)
	if started.Campaign.Status != models.StatusGenerating {
		t.Errorf("expected generating, got %s", started.Campaign.Status)
	}

	rec = httptest.NewRecorder()
	f.campaigns.Generate(rec, withID(request(http.MethodPost, "/", &owner, nil), c.ID))
	if rec.Code != http.StatusConflict {
		t.Errorf("second generate: expected 409, got %d", rec.Code)
	}

	callback := map[string]any{
		"campaign_id": c.ID,
		"job_id":      started.Job.ID,
		"status":      "success",
		"prospects": []map[string]any{
			{"ordinal": 0, "landing_page_url": "https://lp.example.com/0"},
			{"ordinal": 1, "landing_page_url": "https://lp.example.com/1"},
		},
	}
	for i, want := range []webhookResponse{
		{Received: true, Applied: true, Outcome: string(orchestrator.OutcomeApplied)},
		{Received: true, Applied: false, Outcome: string(orchestrator.OutcomeDuplicate)},
	} {
		rec = httptest.NewRecorder()
		f.webhooks.Generation(rec, request(http.MethodPost, "/webhooks/workflow/generation", nil, callback))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		if got := decode[webhookResponse](t, rec); got != want {
			t.Errorf("delivery %d: got %+v, want %+v", i, got, want)
		}
	}

	rec = httptest.NewRecorder()
	f.campaigns.Get(rec, withID(request(http.MethodGet, "/", &owner, nil), c.ID))
	if got := decode[*models.Campaign](t, rec); got.Status != models.StatusGenerated {
		t.Errorf("expected generated, got %s", got.Status)
	}

	rec = httptest.NewRecorder()
	f.campaigns.Export(rec, withID(request(http.MethodGet, "/", &owner, nil), c.ID))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("export: got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "https://lp.example.com/1") {
		t.Errorf("export is missing landing page: %s", rec.Body.String())
	}
}

func TestGenerationCallback_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.webhooks.Generation(rec, request(http.MethodPost, "/webhooks/workflow/generation", nil, map[string]any{
		"campaign_id": uuid.New(),
		"status":      "maybe",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGenerationCallback_UnknownJobAcknowledged(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.webhooks.Generation(rec, request(http.MethodPost, "/webhooks/workflow/generation", nil, map[string]any{
		"campaign_id": uuid.New(),
		"job_id":      uuid.New(),
		"status":      "success",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[webhookResponse](t, rec)
	if got.Applied || got.Outcome != string(orchestrator.OutcomeRejected) || got.Reason == "" {
		t.Errorf("unexpected response: %+v", got)
	}
}

func TestCancel_ReturnsRefund(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 500)
	c := f.create(t, owner, 10)

	rec := httptest.NewRecorder()
	f.campaigns.Cancel(rec, withID(request(http.MethodPost, "/", &owner, noteRequest{Note: "changed my mind"}), c.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[cancelResponse](t, rec)
	if got.Refunded != 60 || got.Campaign.Status != models.StatusCancelled {
		t.Errorf("unexpected cancel response: refunded=%d status=%s", got.Refunded, got.Campaign.Status)
	}
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.campaigns.Quote(rec, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/quote?prospects=25", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[quoteResponse](t, rec); got.Cost != 75 {
		t.Errorf("expected cost 75, got %d", got.Cost)
	}

	rec = httptest.NewRecorder()
	f.campaigns.Quote(rec, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/quote?prospects=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Credits and payments
// ---------------------------------------------------------------------------

func TestStripeWebhook_CreditsOnce(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 0)
	payload, sig := signedStripeEvent(t, "evt_100", owner, 100)

	for i, applied := range []bool{true, false} {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		r.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		f.webhooks.Stripe(rec, r)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		if got := decode[webhookResponse](t, rec); got.Applied != applied {
			t.Errorf("delivery %d: applied=%v, want %v", i, got.Applied, applied)
		}
	}

	rec := httptest.NewRecorder()
	f.credits.Me(rec, request(http.MethodGet, "/api/v1/account/me", &owner, nil))
	if got := decode[meResponse](t, rec); got.Balance != 100 {
		t.Errorf("expected balance 100, got %d", got.Balance)
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 0)
	payload, _ := signedStripeEvent(t, "evt_bad", owner, 100)

	r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	r.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	f.webhooks.Stripe(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	bal, err := f.svc.Balance(context.Background(), owner)
	if err != nil || bal != 0 {
		t.Errorf("expected untouched balance, got %d (%v)", bal, err)
	}
}

func TestLedgerAndTiers(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, 500)
	f.create(t, owner, 5)

	rec := httptest.NewRecorder()
	f.credits.Ledger(rec, request(http.MethodGet, "/api/v1/credit-ledger?limit=10", &owner, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	entries := decode[[]models.LedgerEntry](t, rec)
	if len(entries) != 2 || entries[0].Reason != models.ReasonCampaignCharge || entries[0].Delta != -55 {
		t.Errorf("unexpected ledger: %+v", entries)
	}

	rec = httptest.NewRecorder()
	f.credits.Ledger(rec, request(http.MethodGet, "/api/v1/credit-ledger?limit=-1", &owner, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.credits.ListTiers(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credits/tiers", nil))
	if tiers := decode[[]tierResponse](t, rec); len(tiers) != 3 {
		t.Errorf("expected 3 tiers, got %+v", tiers)
	}

	rec = httptest.NewRecorder()
	f.credits.Checkout(rec, request(http.MethodPost, "/api/v1/credits/checkout", &owner, checkoutRequest{TierID: "credits_999"}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown tier: expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}
