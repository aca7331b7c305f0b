// Package group implements GroupEngine: a flat ordered membership vector
// with epoch-keyed AEAD, generalized from the teacher's ratchet-key
// derivation style (internal/security/signal.go's HKDF chain stepping)
// and the MLS vocabulary (epoch, Welcome, leaf) from
// original_source/.../mls_protocol.hpp, with a flat member vector standing
// in for a full ratchet tree per spec.md's allowed refinement.
package group

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
	"github.com/sonet/e2ee/internal/metrics"
	"github.com/sonet/e2ee/internal/primitives"
)

// MaxGroupMembers is the hard ceiling above which add_member is rejected,
// taken from original_source's MAX_GROUP_MEMBERS.
const MaxGroupMembers = 500

// Size policy thresholds from original_source's OPTIMAL/WARNING_GROUP_SIZE.
const (
	optimalThreshold = 250
	goodThreshold    = 400
)

// EpochHistoryDepth bounds how many prior epoch keys Decrypt will still try,
// covering messages already in flight when an epoch advances.
const EpochHistoryDepth = 3

// SizeStatus classifies a group by member count.
type SizeStatus int

const (
	SizeOptimal SizeStatus = iota
	SizeGood
	SizeWarning
	SizeAtLimit
)

func (s SizeStatus) String() string {
	switch s {
	case SizeOptimal:
		return "OPTIMAL"
	case SizeGood:
		return "GOOD"
	case SizeWarning:
		return "WARNING"
	case SizeAtLimit:
		return "AT_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// ClassifySize maps a member count to its SizeStatus per spec.md's table
// (0-250 OPTIMAL, 251-400 GOOD, 401-499 WARNING, 500 AT_LIMIT).
func ClassifySize(memberCount int) SizeStatus {
	switch {
	case memberCount <= optimalThreshold:
		return SizeOptimal
	case memberCount <= goodThreshold:
		return SizeGood
	case memberCount < MaxGroupMembers:
		return SizeWarning
	default:
		return SizeAtLimit
	}
}

// Member is one leaf of the flat membership vector.
type Member struct {
	LeafIndex int
	UserID    uuid.UUID
	DeviceID  uuid.UUID
	LeafPub   [32]byte
}

// epochKey is a retained epoch key, kept only long enough to decrypt
// messages sealed before the most recent epoch advance.
type epochKey struct {
	epoch uint64
	key   [32]byte
}

// Group is one GroupEngine-managed group: a flat member vector plus the
// current and recently retired epoch AEAD keys.
type Group struct {
	GroupID     uuid.UUID
	Members     []Member
	Epoch       uint64
	GroupSecret [32]byte
	currentKey  [32]byte
	history     []epochKey
	nextLeafIdx int
}

// NewGroup creates an empty group seeded with a fresh random GroupSecret
// and derives epoch 0's key from it.
func NewGroup(groupID uuid.UUID) (*Group, error) {
	secret, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	g := &Group{GroupID: groupID}
	copy(g.GroupSecret[:], secret)

	key, err := deriveEpochKey(g.GroupSecret, 0, nil)
	if err != nil {
		return nil, err
	}
	g.currentKey = key
	return g, nil
}

func deriveEpochKey(groupSecret [32]byte, epoch uint64, prevEpochHash []byte) ([32]byte, error) {
	salt := prevEpochHash
	if salt == nil {
		salt = epochSaltSeed(epoch)
	}
	out, err := primitives.HKDFDerive(groupSecret[:], salt, []byte("sonet:epoch"), 32)
	if err != nil {
		return [32]byte{}, err
	}
	var key [32]byte
	copy(key[:], out)
	return key, nil
}

// epochSaltSeed gives epoch 0 a deterministic, non-empty salt distinct from
// every derived epoch's hash-of-previous-epoch salt.
func epochSaltSeed(epoch uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(epoch >> (8 * (7 - i)))
	}
	return b
}

// advanceEpoch increments the epoch counter, retires the current key into
// history (bounded at EpochHistoryDepth), and derives the new epoch's key.
func (g *Group) advanceEpoch() error {
	prevHash, err := primitives.HKDFDerive(g.currentKey[:], nil, []byte("sonet:epoch:hash"), 32)
	if err != nil {
		return err
	}

	g.history = append(g.history, epochKey{epoch: g.Epoch, key: g.currentKey})
	if len(g.history) > EpochHistoryDepth {
		g.history = g.history[len(g.history)-EpochHistoryDepth:]
	}

	g.Epoch++
	newKey, err := deriveEpochKey(g.GroupSecret, g.Epoch, prevHash)
	if err != nil {
		return err
	}
	g.currentKey = newKey
	return nil
}

// CanAddMember reports whether the group has room for one more member.
func (g *Group) CanAddMember() bool {
	return len(g.Members) < MaxGroupMembers
}

// AddMember appends a new leaf, advances the epoch, and returns a signed
// JWT Welcome token carrying the group/epoch/leaf reference the new
// member's client uses to fetch and install the current epoch key.
func (g *Group) AddMember(userID, deviceID uuid.UUID, leafPub [32]byte, welcomeSigningKey []byte) (*Member, string, error) {
	if !g.CanAddMember() {
		metrics.RecordGroupSizeRejection()
		return nil, "", e2eerrors.New("group.AddMember", e2eerrors.KindGroupFull, nil)
	}

	m := Member{
		LeafIndex: g.nextLeafIdx,
		UserID:    userID,
		DeviceID:  deviceID,
		LeafPub:   leafPub,
	}
	g.nextLeafIdx++
	g.Members = append(g.Members, m)

	if err := g.advanceEpoch(); err != nil {
		return nil, "", err
	}
	metrics.RecordGroupEpochAdvance("add")
	metrics.UpdateGroupMembers(g.GroupID.String(), len(g.Members))

	token, err := g.signWelcome(m, welcomeSigningKey)
	if err != nil {
		return nil, "", err
	}
	return &m, token, nil
}

// RemoveMember drops a leaf by user ID and advances the epoch, so the
// removed member's copy of the (old) epoch key stops decrypting new traffic.
func (g *Group) RemoveMember(userID uuid.UUID) error {
	idx := -1
	for i, m := range g.Members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return e2eerrors.New("group.RemoveMember", e2eerrors.KindMissing, nil)
	}
	g.Members = append(g.Members[:idx], g.Members[idx+1:]...)
	if err := g.advanceEpoch(); err != nil {
		return err
	}
	metrics.RecordGroupEpochAdvance("remove")
	metrics.UpdateGroupMembers(g.GroupID.String(), len(g.Members))
	return nil
}

// UpdateMemberKey replaces a member's leaf public key (a self-initiated key
// update) and advances the epoch.
func (g *Group) UpdateMemberKey(userID uuid.UUID, newLeafPub [32]byte) error {
	for i := range g.Members {
		if g.Members[i].UserID == userID {
			g.Members[i].LeafPub = newLeafPub
			if err := g.advanceEpoch(); err != nil {
				return err
			}
			metrics.RecordGroupEpochAdvance("rekey")
			return nil
		}
	}
	return e2eerrors.New("group.UpdateMemberKey", e2eerrors.KindMissing, nil)
}

// SealedMessage carries the epoch number alongside the ciphertext so
// Decrypt knows which key (current or retained) to try.
type SealedMessage struct {
	Epoch      uint64
	Ciphertext []byte
}

// Encrypt seals plaintext under the current epoch key with a fresh nonce.
func (g *Group) Encrypt(plaintext, aad []byte) (*SealedMessage, error) {
	ct, err := primitives.Seal(primitives.AlgorithmAES256GCM, g.currentKey[:], plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &SealedMessage{Epoch: g.Epoch, Ciphertext: ct}, nil
}

// Decrypt tries the current epoch key first, then retained prior epoch
// keys newest-to-oldest within the history window, returning AuthError
// only once every candidate has failed.
func (g *Group) Decrypt(msg *SealedMessage, aad []byte) ([]byte, error) {
	if msg.Epoch == g.Epoch {
		if pt, err := primitives.Open(primitives.AlgorithmAES256GCM, g.currentKey[:], msg.Ciphertext, aad); err == nil {
			return pt, nil
		}
	}
	for i := len(g.history) - 1; i >= 0; i-- {
		if g.history[i].epoch != msg.Epoch {
			continue
		}
		if pt, err := primitives.Open(primitives.AlgorithmAES256GCM, g.history[i].key[:], msg.Ciphertext, aad); err == nil {
			return pt, nil
		}
	}
	return nil, e2eerrors.New("group.Decrypt", e2eerrors.KindAuthError, nil)
}

// WelcomeClaims is the JWT payload add_member issues to a new member,
// letting their client fetch and install the current epoch key.
type WelcomeClaims struct {
	GroupID   string `json:"group_id"`
	Epoch     uint64 `json:"epoch"`
	LeafIndex int    `json:"leaf_index"`
	jwt.RegisteredClaims
}

func (g *Group) signWelcome(m Member, signingKey []byte) (string, error) {
	claims := &WelcomeClaims{
		GroupID:   g.GroupID.String(),
		Epoch:     g.Epoch,
		LeafIndex: m.LeafIndex,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   m.UserID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

// ParseWelcome validates a Welcome token issued by signWelcome and returns
// its claims.
func ParseWelcome(tokenString string, signingKey []byte) (*WelcomeClaims, error) {
	claims := &WelcomeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, e2eerrors.New("group.ParseWelcome", e2eerrors.KindAuthError, nil)
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, e2eerrors.New("group.ParseWelcome", e2eerrors.KindAuthError, err)
	}
	return claims, nil
}
