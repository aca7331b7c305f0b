package group

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/e2eerrors"
)

// Registry owns every live Group, keyed by its GroupID, serializing access
// the same way session.Engine serializes access to its RatchetStates: one
// lock guarding a map, held for the duration of each call.
type Registry struct {
	mu     sync.RWMutex
	groups map[uuid.UUID]*Group
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[uuid.UUID]*Group)}
}

// Snapshot is a point-in-time, race-free copy of a Group's membership
// metadata. Registry never hands out its live *Group pointers (Group has
// no lock of its own; every field mutation happens under the Registry's
// lock), so any caller outside this package that needs to read group state
// goes through Snapshot instead of touching the Group directly.
type GroupSnapshot struct {
	GroupID uuid.UUID
	Epoch   uint64
	Members []Member
}

// Create seeds and stores a new Group, returning a Snapshot of its initial
// (empty, epoch-0) state.
func (r *Registry) Create(groupID uuid.UUID) (GroupSnapshot, error) {
	g, err := NewGroup(groupID)
	if err != nil {
		return GroupSnapshot{}, err
	}
	r.mu.Lock()
	r.groups[groupID] = g
	snap := snapshotLocked(g)
	r.mu.Unlock()
	return snap, nil
}

// Snapshot returns a copy of groupID's current membership metadata, if the
// group exists.
func (r *Registry) Snapshot(groupID uuid.UUID) (GroupSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return GroupSnapshot{}, false
	}
	return snapshotLocked(g), true
}

func snapshotLocked(g *Group) GroupSnapshot {
	members := make([]Member, len(g.Members))
	copy(members, g.Members)
	return GroupSnapshot{GroupID: g.GroupID, Epoch: g.Epoch, Members: members}
}

// AddMember looks up groupID and adds a member under the registry lock, so
// a concurrent IsMember check never observes a partially-applied add. It
// returns the new member, its Welcome token, and the group's epoch after
// the add — the caller never needs to read the live Group to learn the
// post-add epoch.
func (r *Registry) AddMember(groupID, userID, deviceID uuid.UUID, leafPub [32]byte, welcomeSigningKey []byte) (*Member, string, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, "", 0, e2eerrors.New("group.Registry.AddMember", e2eerrors.KindMissing, nil)
	}
	m, welcome, err := g.AddMember(userID, deviceID, leafPub, welcomeSigningKey)
	if err != nil {
		return nil, "", 0, err
	}
	return m, welcome, g.Epoch, nil
}

// RemoveMember looks up groupID and removes a member under the registry
// lock.
func (r *Registry) RemoveMember(groupID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return e2eerrors.New("group.Registry.RemoveMember", e2eerrors.KindMissing, nil)
	}
	return g.RemoveMember(userID)
}

// IsMember implements envelope.MembershipChecker: chatID and userID are
// the envelope's ChatID/SenderID fields, which GroupEngine treats as a
// group ID and a member's user ID.
func (r *Registry) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	groupID, err := uuid.Parse(chatID)
	if err != nil {
		return false, e2eerrors.New("group.Registry.IsMember", e2eerrors.KindMalformedEnvelope, err)
	}
	memberID, err := uuid.Parse(userID)
	if err != nil {
		return false, e2eerrors.New("group.Registry.IsMember", e2eerrors.KindMalformedEnvelope, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return false, nil
	}
	for _, m := range g.Members {
		if m.UserID == memberID {
			return true, nil
		}
	}
	return false, nil
}
