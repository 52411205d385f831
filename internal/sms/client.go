// Package sms is the provider-agnostic dispatch layer. Each branch selects
// one of a small closed set of SMS vendors; the adapters in this package own
// the vendor request shapes and response contracts.
package sms

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bausoptical/lenses/internal/store"
)

// Result is the outcome of one send attempt. Adapters never return Go
// errors to the caller: network and parse failures are folded into
// Success=false so a flaky vendor cannot abort a processing batch.
type Result struct {
	Success       bool    `json:"success"`
	ProviderMsgID string  `json:"provider_msg_id,omitempty"`
	Error         string  `json:"error,omitempty"`
	Cost          float64 `json:"cost,omitempty"`
}

// SendParams describe one outbound message. To should be in international
// format; Send re-normalizes defensively regardless.
type SendParams struct {
	To       string
	Message  string
	SenderID string
}

// Config carries the per-branch provider selection and credentials.
type Config struct {
	Provider    store.Provider
	APIKey      string
	Username    string // Africa's Talking
	AccountSID  string // Twilio
	AuthToken   string // Twilio
	SenderID    string
	FromNumber  string // Twilio
	CountryCode string
}

// ConfigFromBranch maps a stored branch config onto dispatch credentials.
func ConfigFromBranch(cfg *store.BranchConfig) Config {
	return Config{
		Provider:    cfg.SMSProvider,
		APIKey:      cfg.SMSAPIKey,
		Username:    cfg.SMSUsername,
		AccountSID:  cfg.SMSAccountSID,
		AuthToken:   cfg.SMSAuthToken,
		SenderID:    cfg.SMSSenderID,
		FromNumber:  cfg.SMSFromNumber,
		CountryCode: cfg.CountryCode,
	}
}

// Client routes sends to the configured provider backend. Base URLs are
// fields so tests can point adapters at a local server.
type Client struct {
	HTTPClient        *http.Client
	AfricasTalkingURL string
	TwilioURL         string
	VeriSendURL       string
}

func NewClient() *Client {
	return &Client{
		// A slow vendor must not starve the background workers.
		HTTPClient:        &http.Client{Timeout: 15 * time.Second},
		AfricasTalkingURL: "https://api.africastalking.com",
		TwilioURL:         "https://api.twilio.com",
		VeriSendURL:       "https://api.verisend.co.ke",
	}
}

// Send normalizes the destination and dispatches through the provider named
// in cfg. An unknown or unset provider yields a failed Result, not an error.
func (c *Client) Send(ctx context.Context, params SendParams, cfg Config) Result {
	params.To = NormalizePhone(params.To, cfg.CountryCode)

	switch cfg.Provider {
	case store.ProviderAfricasTalking:
		return c.sendViaAfricasTalking(ctx, params, cfg)
	case store.ProviderTwilio:
		return c.sendViaTwilio(ctx, params, cfg)
	case store.ProviderVeriSend, store.ProviderCustom:
		return c.sendViaVeriSend(ctx, params, cfg)
	default:
		return Result{Success: false, Error: "no SMS provider configured"}
	}
}

// TestConnection sends a canned test message through the configured
// provider so operators can verify credentials from the dashboard.
func (c *Client) TestConnection(ctx context.Context, phone string, cfg Config, branchName string) Result {
	if branchName == "" {
		branchName = "Lenses"
	}
	return c.Send(ctx, SendParams{
		To:       phone,
		Message:  fmt.Sprintf("Lenses SMS test from %s. Your SMS integration is working correctly!", branchName),
		SenderID: cfg.SenderID,
	}, cfg)
}
