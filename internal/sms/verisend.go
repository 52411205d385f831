package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

type veriSendRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	SenderID string `json:"sender_id"`
}

type veriSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// sendViaVeriSend talks to the generic REST provider. CUSTOM-provider
// branches share this adapter.
func (c *Client) sendViaVeriSend(ctx context.Context, params SendParams, cfg Config) Result {
	senderID := params.SenderID
	if senderID == "" {
		senderID = cfg.SenderID
	}
	if senderID == "" {
		senderID = "BausOptical"
	}

	body, err := json.Marshal(veriSendRequest{
		To:       params.To,
		Message:  params.Message,
		SenderID: senderID,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.VeriSendURL+"/v1/sms/send", bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	var data veriSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	if data.Success {
		return Result{Success: true, ProviderMsgID: data.MessageID}
	}
	if data.Error != "" {
		return Result{Success: false, Error: data.Error}
	}
	return Result{Success: false, Error: "VeriSend error"}
}
