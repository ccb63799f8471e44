// Package payments sells credit bundles through Stripe Checkout and turns
// verified webhook deliveries into typed purchase events.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidEvent     = errors.New("invalid webhook event")
	ErrUnknownTier      = errors.New("unknown credit tier")
	ErrNotConfigured    = errors.New("payments not configured")
)

// Tier is a purchasable credit bundle.
type Tier struct {
	ID      string `json:"id"`
	Credits int64  `json:"credits"`
	PriceID string `json:"-"`
}

// DefaultTiers lists the bundles offered in the app. Price ids come from config.
func DefaultTiers(price50, price100, price200 string) []Tier {
	return []Tier{
		{ID: "credits_50", Credits: 50, PriceID: price50},
		{ID: "credits_100", Credits: 100, PriceID: price100},
		{ID: "credits_200", Credits: 200, PriceID: price200},
	}
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Tiers         []Tier
}

type Client struct {
	cfg   Config
	tiers map[string]Tier
	log   *slog.Logger

	// newSession is replaced in tests.
	newSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	if log == nil {
		log = slog.Default()
	}
	tiers := make(map[string]Tier, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers[t.ID] = t
	}
	return &Client{cfg: cfg, tiers: tiers, log: log, newSession: checkoutsession.New}
}

// Tiers returns the bundles that have a configured price.
func (c *Client) Tiers() []Tier {
	var out []Tier
	for _, t := range c.cfg.Tiers {
		if t.PriceID != "" {
			out = append(out, t)
		}
	}
	return out
}

// Checkout is a created checkout session.
type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreateCheckout opens a one-off payment session for tierID. The account id
// and credit amount travel in the session metadata and come back with the
// checkout.session.completed event.
func (c *Client) CreateCheckout(ctx context.Context, accountID uuid.UUID, email, tierID string) (*Checkout, error) {
	if c.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	tier, ok := c.tiers[tierID]
	if !ok || tier.PriceID == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tierID)
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(tier.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(accountID.String()),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		Metadata: map[string]string{
			"account_id": accountID.String(),
			"credits":    strconv.FormatInt(tier.Credits, 10),
			"tier_id":    tier.ID,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	sess, err := c.newSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	c.log.InfoContext(ctx, "checkout session created", "session_id", sess.ID, "account_id", accountID, "tier_id", tier.ID)
	return &Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

// Event is PurchaseCompleted or Ignored.
type Event interface{ paymentEvent() }

// PurchaseCompleted is a paid checkout that should credit the account.
type PurchaseCompleted struct {
	EventID   string
	SessionID string
	AccountID uuid.UUID
	Credits   int64
}

// Ignored is a verified event that carries nothing to apply.
type Ignored struct {
	EventID string
	Type    string
	Reason  string
}

func (PurchaseCompleted) paymentEvent() {}
func (Ignored) paymentEvent()           {}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (c *Client) ParseWebhook(payload []byte, signature string) (Event, error) {
	if c.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		return Ignored{EventID: event.ID, Type: string(event.Type), Reason: "unhandled event type"}, nil
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrInvalidEvent, err)
	}
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return Ignored{EventID: event.ID, Type: string(event.Type), Reason: "session not paid"}, nil
	}

	rawAccount := sess.Metadata["account_id"]
	if rawAccount == "" {
		rawAccount = sess.ClientReferenceID
	}
	accountID, err := uuid.Parse(rawAccount)
	if err != nil {
		return nil, fmt.Errorf("%w: account_id %q", ErrInvalidEvent, rawAccount)
	}
	credits, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("%w: credits %q", ErrInvalidEvent, sess.Metadata["credits"])
	}
	return PurchaseCompleted{
		EventID:   event.ID,
		SessionID: sess.ID,
		AccountID: accountID,
		Credits:   credits,
	}, nil
}
