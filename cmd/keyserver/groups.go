package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/sonet/e2ee/internal/group"
)

// Group management is the one piece of ingress the envelope ingress
// surface alone can't cover: without a way to create a group and add
// members, group.Registry (wired into the envelope validator as its
// MembershipChecker) would never have anyone to say yes to. These routes
// are the server-side half of GroupEngine's lifecycle; the teacher's
// equivalent is cmd/chatserver's "/groups" and "/groups/{groupId}/members"
// routes (handlers.CreateGroup/AddGroupMember/RemoveGroupMember).

type createGroupRequest struct {
	GroupID string `json:"groupId"`
}

type createGroupResponse struct {
	GroupID string `json:"groupId"`
	Epoch   uint64 `json:"epoch"`
}

func createGroupHandler(registry *group.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createGroupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		groupID, err := uuid.Parse(req.GroupID)
		if err != nil {
			http.Error(w, "invalid groupId", http.StatusBadRequest)
			return
		}
		snap, err := registry.Create(groupID)
		if err != nil {
			http.Error(w, "failed to create group", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, createGroupResponse{GroupID: snap.GroupID.String(), Epoch: snap.Epoch})
	}
}

type addMemberRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	LeafPub  string `json:"leafPub"` // base64-encoded 32-byte X25519 pubkey
}

type addMemberResponse struct {
	LeafIndex int    `json:"leafIndex"`
	Epoch     uint64 `json:"epoch"`
	Welcome   string `json:"welcome"`
}

func addMemberHandler(registry *group.Registry, welcomeSigningKey []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, err := uuid.Parse(r.PathValue("groupId"))
		if err != nil {
			http.Error(w, "invalid groupId", http.StatusBadRequest)
			return
		}

		var req addMemberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			http.Error(w, "invalid userId", http.StatusBadRequest)
			return
		}
		deviceID, err := uuid.Parse(req.DeviceID)
		if err != nil {
			http.Error(w, "invalid deviceId", http.StatusBadRequest)
			return
		}
		leafPubBytes, err := base64.StdEncoding.DecodeString(req.LeafPub)
		if err != nil || len(leafPubBytes) != 32 {
			http.Error(w, "invalid leafPub", http.StatusBadRequest)
			return
		}
		var leafPub [32]byte
		copy(leafPub[:], leafPubBytes)

		member, welcome, epoch, err := registry.AddMember(groupID, userID, deviceID, leafPub, welcomeSigningKey)
		if err != nil {
			http.Error(w, "failed to add member", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, addMemberResponse{LeafIndex: member.LeafIndex, Epoch: epoch, Welcome: welcome})
	}
}

func removeMemberHandler(registry *group.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, err := uuid.Parse(r.PathValue("groupId"))
		if err != nil {
			http.Error(w, "invalid groupId", http.StatusBadRequest)
			return
		}
		userID, err := uuid.Parse(r.PathValue("userId"))
		if err != nil {
			http.Error(w, "invalid userId", http.StatusBadRequest)
			return
		}
		if err := registry.RemoveMember(groupID, userID); err != nil {
			http.Error(w, "failed to remove member", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
