package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

func TestThrottleForwardsSends(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	th := NewThrottle(NewTwilioService(mock), 1000, 5)
	for i := 0; i < 3; i++ {
		if err := th.SendText(context.Background(), "521", "hola"); err != nil {
			t.Fatalf("SendText returned error: %v", err)
		}
	}
	if len(mock.SentMessages) != 3 {
		t.Errorf("expected 3 forwarded sends, got %d", len(mock.SentMessages))
	}
}

func TestThrottleHonoursContext(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	th := NewThrottle(NewTwilioService(mock), 0.01, 1)
	if err := th.SendText(context.Background(), "521", "first"); err != nil {
		t.Fatalf("first send should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := th.SendText(ctx, "521", "second"); err == nil {
		t.Error("expected the second send to be throttled past the deadline")
	}
	if len(mock.SentMessages) != 1 {
		t.Errorf("throttled send must not reach the transport, got %d sends", len(mock.SentMessages))
	}
}
