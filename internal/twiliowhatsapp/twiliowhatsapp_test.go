package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "12345", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestMockClient_SendMedia(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMedia(context.Background(), "12345", "https://cdn.example.com/a.ogg", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mock.SentMessages[0].MediaURL; got != "https://cdn.example.com/a.ogg" {
		t.Errorf("expected media URL to be recorded, got %q", got)
	}
}

func TestWhatsappAddress(t *testing.T) {
	tests := map[string]string{
		"5215512345678":         "whatsapp:+5215512345678",
		"+14155238886":          "whatsapp:+14155238886",
		"whatsapp:+14155238886": "whatsapp:+14155238886",
	}
	for in, want := range tests {
		if got := whatsappAddress(in); got != want {
			t.Errorf("whatsappAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(WithFromWhats("+14155238886")); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token")); err == nil {
		t.Error("expected error without a sending number")
	}
}
