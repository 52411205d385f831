package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bausoptical/lenses/internal/store"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		HTTPClient:        srv.Client(),
		AfricasTalkingURL: srv.URL,
		TwilioURL:         srv.URL,
		VeriSendURL:       srv.URL,
	}
}

func TestSend_AfricasTalking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version1/messaging" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("apiKey"); got != "at-key" {
			t.Errorf("apiKey header = %q", got)
		}
		r.ParseForm()
		if got := r.PostForm.Get("to"); got != "+254712345678" {
			t.Errorf("to = %q", got)
		}
		if got := r.PostForm.Get("username"); got != "bausoptical" {
			t.Errorf("username = %q", got)
		}
		w.Write([]byte(`{"SMSMessageData":{"Recipients":[
			{"number":"+254712345678","status":"Success","messageId":"ATXid_1","cost":"KES 0.8000"}
		]}}`))
	}))
	defer srv.Close()

	res := testClient(srv).Send(context.Background(), SendParams{
		To:      "0712345678",
		Message: "hello",
	}, Config{
		Provider: store.ProviderAfricasTalking,
		APIKey:   "at-key",
		Username: "bausoptical",
	})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.ProviderMsgID != "ATXid_1" {
		t.Errorf("ProviderMsgID = %q", res.ProviderMsgID)
	}
	if res.Cost != 0.8 {
		t.Errorf("Cost = %v, want 0.8", res.Cost)
	}
}

func TestSend_AfricasTalkingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"SMSMessageData":{"Recipients":[
			{"number":"+254712345678","status":"InsufficientBalance"}
		]}}`))
	}))
	defer srv.Close()

	res := testClient(srv).Send(context.Background(), SendParams{To: "0712345678", Message: "x"},
		Config{Provider: store.ProviderAfricasTalking})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "InsufficientBalance" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestSend_Twilio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		r.ParseForm()
		if got := r.PostForm.Get("From"); got != "+15550001111" {
			t.Errorf("From = %q", got)
		}
		w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	res := testClient(srv).Send(context.Background(), SendParams{To: "0712345678", Message: "hi"}, Config{
		Provider:   store.ProviderTwilio,
		AccountSID: "AC123",
		AuthToken:  "token",
		FromNumber: "+15550001111",
	})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.ProviderMsgID != "SM123" {
		t.Errorf("ProviderMsgID = %q", res.ProviderMsgID)
	}
}

func TestSend_TwilioError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"The 'To' number is not a valid phone number."}`))
	}))
	defer srv.Close()

	res := testClient(srv).Send(context.Background(), SendParams{To: "bad", Message: "x"}, Config{
		Provider:   store.ProviderTwilio,
		AccountSID: "AC123",
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "The 'To' number is not a valid phone number." {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestSend_VeriSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sms/send" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer vs-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"success":true,"message_id":"vs_1"}`))
	}))
	defer srv.Close()

	res := testClient(srv).Send(context.Background(), SendParams{To: "0712345678", Message: "hi"}, Config{
		Provider: store.ProviderVeriSend,
		APIKey:   "vs-key",
	})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.ProviderMsgID != "vs_1" {
		t.Errorf("ProviderMsgID = %q", res.ProviderMsgID)
	}
}

func TestSend_NoProvider(t *testing.T) {
	res := NewClient().Send(context.Background(), SendParams{To: "0712345678", Message: "x"}, Config{})
	if res.Success {
		t.Fatal("expected failure with no provider")
	}
	if res.Error != "no SMS provider configured" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestSend_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	res := testClient(srv).Send(context.Background(), SendParams{To: "0712345678", Message: "x"},
		Config{Provider: store.ProviderVeriSend})
	if res.Success {
		t.Fatal("expected failure on connection error")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}
