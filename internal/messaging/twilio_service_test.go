package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

func TestTwilioService_Sends(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendText(ctx, "521", "hola"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if err := svc.SendImage(ctx, "521", "https://cdn.example.com/a.png"); err != nil {
		t.Fatalf("SendImage returned error: %v", err)
	}
	if len(mock.SentMessages) != 2 || mock.SentMessages[1].MediaURL != "https://cdn.example.com/a.png" {
		t.Errorf("unexpected sends: %+v", mock.SentMessages)
	}

	if err := svc.SendAudio(ctx, "521", "/local/file.ogg"); !errors.Is(err, ErrUnsupportedMedia) {
		t.Errorf("expected ErrUnsupportedMedia for local file, got %v", err)
	}
	if err := svc.SendDocument(ctx, "521", []byte("x"), "letra.pdf"); !errors.Is(err, ErrUnsupportedMedia) {
		t.Errorf("expected ErrUnsupportedMedia for document, got %v", err)
	}
}

func TestTwilioService_Webhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{"From": {"whatsapp:+5215512345678"}, "Body": {"quiero mi cancion"}, "MessageSid": {"SM1"}, "ProfileName": {"Ana"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case in := <-svc.Responses():
		if in.ID != "SM1" || in.From != "whatsapp:+5215512345678" || in.Name != "Ana" {
			t.Errorf("unexpected inbound: %+v", in)
		}
	default:
		t.Fatal("expected inbound message")
	}

	bad := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader("From=x"))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	svc.WebhookHandler(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}
}

func TestTwilioService_StopIsIdempotent(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendText(context.Background(), "521", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
