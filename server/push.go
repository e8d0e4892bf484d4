package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"loci.chat/data"
)

// pushCooldown is the minimum gap between pushes to one subscriber.
const pushCooldown = time.Minute

// Pusher sends web push notifications for room activity to subscribers
// who are not currently connected. Disabled when VAPID keys are absent.
type Pusher struct {
	store        *data.Store
	vapidPublic  string
	vapidPrivate string
	subject      string
	log          zerolog.Logger

	mu       sync.Mutex
	lastPush map[string]time.Time // identity id -> last send
}

// NewPusher creates the notifier. Store may be shared with the handlers.
func NewPusher(store *data.Store, vapidPublic, vapidPrivate, subject string, log zerolog.Logger) *Pusher {
	p := &Pusher{
		store:        store,
		vapidPublic:  vapidPublic,
		vapidPrivate: vapidPrivate,
		subject:      subject,
		log:          log,
		lastPush:     make(map[string]time.Time),
	}
	if p.Enabled() {
		log.Info().Msg("web push enabled")
	} else {
		log.Info().Msg("VAPID keys not configured, push disabled")
	}
	return p
}

// Enabled reports whether VAPID keys are configured.
func (p *Pusher) Enabled() bool {
	return p.vapidPublic != "" && p.vapidPrivate != ""
}

// PublicKey returns the VAPID public key for client subscription.
func (p *Pusher) PublicKey() string { return p.vapidPublic }

// NotifyMessage pushes a new room message to subscribers of that room,
// skipping the author, anyone currently connected, and anyone pushed
// within the cooldown.
func (p *Pusher) NotifyMessage(ctx context.Context, room string, msg *Message, connected []string) {
	if !p.Enabled() || msg.Kind == KindSystem {
		return
	}

	subs, err := p.store.PushSubscriptionsForRoom(ctx, room)
	if err != nil {
		p.log.Error().Err(err).Str("room", room).Msg("load push subscriptions")
		return
	}

	online := make(map[string]bool, len(connected))
	for _, id := range connected {
		online[id] = true
	}

	for _, sub := range subs {
		if sub.IdentityID == msg.Author.ID || online[sub.IdentityID] {
			continue
		}
		if !p.allow(sub.IdentityID) {
			continue
		}
		p.send(ctx, sub, msg)
	}
}

func (p *Pusher) allow(identityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastPush[identityID]) < pushCooldown {
		return false
	}
	p.lastPush[identityID] = time.Now()
	return true
}

func (p *Pusher) send(ctx context.Context, sub *data.PushSubscription, msg *Message) {
	body := msg.Content
	switch msg.Kind {
	case KindImage:
		body = "sent a photo"
	case KindAudio:
		body = "sent a voice message"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}

	payload, _ := json.Marshal(map[string]string{
		"title": msg.Author.DisplayName,
		"body":  body,
	})

	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.subject,
		VAPIDPublicKey:  p.vapidPublic,
		VAPIDPrivateKey: p.vapidPrivate,
		TTL:             60,
	})
	if err != nil {
		if !strings.Contains(err.Error(), "context canceled") {
			p.log.Error().Err(err).Str("identity", sub.IdentityID).Msg("push send failed")
		}
		return
	}
	defer resp.Body.Close()

	// Gone subscriptions are pruned so we stop retrying dead endpoints.
	if resp.StatusCode == 404 || resp.StatusCode == 410 {
		if err := p.store.DeletePushSubscription(ctx, sub.IdentityID); err != nil {
			p.log.Error().Err(err).Str("identity", sub.IdentityID).Msg("prune push subscription")
		}
		return
	}

	pushesSent.Inc()
}
