// Package push delivers Web Push notifications to a partner's registered
// browser subscription. Delivery is best-effort: failures are logged and never
// surfaced to either user.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/repository"
)

// ErrNoSubscription indicates the target has no push subscription registered.
var ErrNoSubscription = errors.New("push: no subscription")

// Notification is the payload shown by the service worker.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Icon  string `json:"icon"`
}

// Sender sends VAPID-signed Web Push messages.
type Sender struct {
	cfg config.PushConfig
}

// NewSender creates a Sender. Missing VAPID keys disable delivery; Send will
// fail until keys are configured.
func NewSender(cfg config.PushConfig) *Sender {
	return &Sender{cfg: cfg}
}

// Send delivers one notification to the given subscription.
func (s *Sender) Send(ctx context.Context, sub repository.PushSubscription, n Notification) error {
	if sub.Endpoint == "" {
		return ErrNoSubscription
	}
	if s.cfg.VAPIDPrivateKey == "" || s.cfg.VAPIDPublicKey == "" {
		return errors.New("push: VAPID keys are not configured")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("push: encode payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
