package messaging

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle limits the send rate of a Dispatcher. Waiting respects the
// caller's context, so a dispatch timeout also bounds time spent queued.
type Throttle struct {
	next    Dispatcher
	limiter *rate.Limiter
}

var _ Dispatcher = (*Throttle)(nil)

// NewThrottle allows perSecond sends per second with the given burst.
func NewThrottle(next Dispatcher, perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttle) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttled: %w", err)
	}
	return nil
}

func (t *Throttle) SendText(ctx context.Context, to string, text string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.next.SendText(ctx, to, text)
}

func (t *Throttle) SendAudio(ctx context.Context, to string, mediaRef string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.next.SendAudio(ctx, to, mediaRef)
}

func (t *Throttle) SendImage(ctx context.Context, to string, mediaRef string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.next.SendImage(ctx, to, mediaRef)
}

func (t *Throttle) SendDocument(ctx context.Context, to string, data []byte, fileName string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.next.SendDocument(ctx, to, data, fileName)
}
