package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// twilioResponse covers both the created-message shape and the error shape
// (which carries a human-readable "message" field).
type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) sendViaTwilio(ctx context.Context, params SendParams, cfg Config) Result {
	from := params.SenderID
	if from == "" {
		from = cfg.FromNumber
	}
	if from == "" {
		from = cfg.SenderID
	}

	form := url.Values{
		"To":   {params.To},
		"From": {from},
		"Body": {params.Message},
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.TwilioURL, cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	req.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	var data twilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	if data.SID != "" && data.Status != "failed" {
		return Result{Success: true, ProviderMsgID: data.SID}
	}
	if data.Message != "" {
		return Result{Success: false, Error: data.Message}
	}
	return Result{Success: false, Error: "Twilio error"}
}
