package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// africasTalkingResponse is the messaging response contract. Success is
// reported per recipient; we only ever send to one.
type africasTalkingResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			Number    string `json:"number"`
			Status    string `json:"status"`
			MessageID string `json:"messageId"`
			Cost      string `json:"cost"` // e.g. "KES 0.8000"
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (c *Client) sendViaAfricasTalking(ctx context.Context, params SendParams, cfg Config) Result {
	username := cfg.Username
	if username == "" {
		username = "sandbox"
	}

	form := url.Values{
		"username": {username},
		"to":       {params.To},
		"message":  {params.Message},
	}
	senderID := params.SenderID
	if senderID == "" {
		senderID = cfg.SenderID
	}
	if senderID != "" {
		form.Set("from", senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.AfricasTalkingURL+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apiKey", cfg.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	var data africasTalkingResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	if len(data.SMSMessageData.Recipients) == 0 {
		return Result{Success: false, Error: "unknown response from Africa's Talking"}
	}

	recipient := data.SMSMessageData.Recipients[0]
	if recipient.Status != "Success" {
		return Result{Success: false, Error: recipient.Status}
	}

	cost, _ := strconv.ParseFloat(strings.TrimPrefix(recipient.Cost, "KES "), 64)
	return Result{
		Success:       true,
		ProviderMsgID: recipient.MessageID,
		Cost:          cost,
	}
}
