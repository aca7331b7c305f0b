// Package envelope implements EnvelopeValidator: server-ingress
// validation of the wire envelope, a Redis-backed replay cache, and a
// thin HTTP handler — the minimal seam the core ships, per its
// never-decrypt, never-hold-a-session-key boundary. Generalized from the
// teacher's internal/handlers request-validation idiom and its Redis
// client wrapper (internal/pubsub/redis.go).
package envelope

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
)

// CurrentVersion is the only accepted envelope wire version.
const CurrentVersion = 1

const (
	minIVLen  = 12
	minTagLen = 16
)

// DefaultReplayTTL is how long a (chatId, senderId, iv, tag) tuple is
// remembered to reject replays.
const DefaultReplayTTL = 600 * time.Second

// Envelope is the wire-level structured object validated on ingress.
type Envelope struct {
	V        int    `json:"v"`
	Alg      string `json:"alg"`
	KeyID    string `json:"keyId"`
	IV       string `json:"iv"`
	Tag      string `json:"tag"`
	AAD      string `json:"aad"`
	CT       string `json:"ct"`
	MsgID    string `json:"msgId"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
}

// supportedAlgorithms is the set of AEAD tags EnvelopeValidator accepts
// in the wire alg field.
var supportedAlgorithms = map[string]bool{
	"aes-256-gcm":       true,
	"chacha20-poly1305": true,
}

// MembershipChecker is an injected collaborator: chat/participant
// metadata lives outside the E2EE core (§1), so the validator only ever
// asks whether a sender belongs to a chat.
type MembershipChecker interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// replayStore is the dedup-set operation Validator depends on. ReplayCache
// is the production, Redis-backed implementation; tests substitute an
// in-memory fake rather than standing up a real Redis instance.
type replayStore interface {
	CheckAndInsert(ctx context.Context, chatID, senderID, iv, tag string) (bool, error)
}

// ReplayCache is the Redis-backed dedup set keyed chatId|senderId|iv|tag.
type ReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayCache creates a ReplayCache with the given TTL (DefaultReplayTTL
// if ttl <= 0).
func NewReplayCache(client *redis.Client, ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &ReplayCache{client: client, ttl: ttl}
}

func replayKey(chatID, senderID, iv, tag string) string {
	return fmt.Sprintf("replay:%s|%s|%s|%s", chatID, senderID, iv, tag)
}

// CheckAndInsert atomically inserts the key if absent; a false return
// means the tuple was already present within the TTL window (a replay).
func (c *ReplayCache) CheckAndInsert(ctx context.Context, chatID, senderID, iv, tag string) (bool, error) {
	key := replayKey(chatID, senderID, iv, tag)
	inserted, err := c.client.SetNX(ctx, key, time.Now().UTC().Unix(), c.ttl).Result()
	if err != nil {
		return false, e2eerrors.New("envelope.CheckAndInsert", e2eerrors.KindUnknown, err)
	}
	return inserted, nil
}

// GC reports the cache's size for BackgroundMaintenance's periodic sweep.
// Entries self-expire via Redis' own EX TTL; GC exists as the sweep's
// health-check point rather than to perform any eviction itself, since
// SetNX EX already reclaims every key without a separate pass.
func (c *ReplayCache) GC(ctx context.Context) (int, error) {
	n, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return 0, e2eerrors.New("envelope.GC", e2eerrors.KindUnknown, err)
	}
	metrics.UpdateReplayCacheSize(int(n))
	return int(n), nil
}

// Validator runs the full ingress validation pipeline for an Envelope.
type Validator struct {
	replay     replayStore
	membership MembershipChecker
}

// NewValidator creates a Validator backed by a real ReplayCache.
func NewValidator(replay *ReplayCache, membership MembershipChecker) *Validator {
	return &Validator{replay: replay, membership: membership}
}

// ValidateAndBind runs version → required fields → types → base64
// decodability → length bounds → replay check → membership check, in
// that order, returning a coarse error to the caller on any failure
// while the concrete Kind() remains available for internal logging.
// Ciphertext is never decrypted here; only bound and accepted.
func (v *Validator) ValidateAndBind(ctx context.Context, e *Envelope) error {
	if e.V != CurrentVersion {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindMalformedEnvelope, nil)
	}

	if e.Alg == "" || e.KeyID == "" || e.IV == "" || e.Tag == "" || e.AAD == "" || e.CT == "" ||
		e.MsgID == "" || e.ChatID == "" || e.SenderID == "" {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindMalformedEnvelope, nil)
	}

	if !supportedAlgorithms[e.Alg] {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindAlgoMismatch, nil)
	}

	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindMalformedEnvelope, err)
	}
	tag, err := base64.StdEncoding.DecodeString(e.Tag)
	if err != nil {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindMalformedEnvelope, err)
	}
	if _, err := base64.StdEncoding.DecodeString(e.CT); err != nil {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindMalformedEnvelope, err)
	}

	if len(iv) < minIVLen || len(tag) < minTagLen {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindMalformedEnvelope, nil)
	}

	inserted, err := v.replay.CheckAndInsert(ctx, e.ChatID, e.SenderID, e.IV, e.Tag)
	if err != nil {
		return err
	}
	if !inserted {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindReplay, nil)
	}

	isMember, err := v.membership.IsMember(ctx, e.ChatID, e.SenderID)
	if err != nil {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindUnknown, err)
	}
	if !isMember {
		return e2eerrors.New("envelope.ValidateAndBind", e2eerrors.KindAuthError, nil)
	}

	return nil
}
