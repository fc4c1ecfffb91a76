package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/repository"
)

type GroupHandler struct {
	groupRepo *repository.GroupRepository
	jrRepo    *repository.JoinRequestRepository
}

func NewGroupHandler(groupRepo *repository.GroupRepository, jrRepo *repository.JoinRequestRepository) *GroupHandler {
	return &GroupHandler{groupRepo: groupRepo, jrRepo: jrRepo}
}

type CreateGroupRequest struct {
	Title      string           `json:"title"`
	Visibility model.Visibility `json:"visibility"`
	Passcode   string           `json:"passcode"`
	MemberName string           `json:"member_name"`
}

type GroupResponse struct {
	Group   *model.Group   `json:"group"`
	Members []model.Member `json:"members,omitempty"`
	Member  *model.Member  `json:"member,omitempty"`
}

func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Title == "" || req.MemberName == "" {
		writeError(w, http.StatusBadRequest, "title and member_name are required")
		return
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPublic
	}
	if req.Visibility == model.VisibilityPublic && req.Passcode != "" {
		writeError(w, http.StatusBadRequest, "passcode is for private groups only")
		return
	}

	userID := middleware.GetUserID(r.Context())
	now := time.Now().UTC()
	group := &model.Group{
		ID:         uuid.New().String(),
		Title:      req.Title,
		Visibility: req.Visibility,
		Passcode:   req.Passcode,
		CreatedBy:  userID,
		CreatedAt:  now,
	}
	if err := h.groupRepo.Create(r.Context(), group); err != nil {
		logger.Errorf("createGroup: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create group")
		return
	}

	owner := &model.Member{
		ID:       uuid.New().String(),
		GroupID:  group.ID,
		Name:     req.MemberName,
		UserID:   userID,
		IsOwner:  true,
		JoinedAt: now,
	}
	if err := h.groupRepo.AddMember(r.Context(), owner); err != nil {
		logger.Errorf("createGroup add owner group=%s: %v", group.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create group")
		return
	}
	writeJSON(w, http.StatusCreated, GroupResponse{Group: group, Member: owner})
}

func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	group, err := h.groupRepo.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get group")
		return
	}
	if group == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	members, err := h.groupRepo.ListMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get members")
		return
	}
	writeJSON(w, http.StatusOK, GroupResponse{Group: group, Members: members})
}

type UpdateGroupRequest struct {
	Title string `json:"title"`
}

func (h *GroupHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	var req UpdateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if _, ok := h.requireModerator(w, r, groupID); !ok {
		return
	}
	if err := h.groupRepo.UpdateTitle(r.Context(), groupID, req.Title); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type JoinGroupRequest struct {
	Name     string `json:"name"`
	Passcode string `json:"passcode"`
}

// JoinGroup admits directly into private groups on a passcode match and opens
// a pending request on public groups.
func (h *GroupHandler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	var req JoinGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	group, err := h.groupRepo.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get group")
		return
	}
	if group == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}

	// Rejoin with the same account resolves to the existing membership.
	if existing, err := h.groupRepo.GetMemberByUser(r.Context(), groupID, userID); err == nil && existing != nil {
		if existing.IsBanned {
			writeError(w, http.StatusForbidden, "banned")
			return
		}
		writeJSON(w, http.StatusOK, GroupResponse{Group: group, Member: existing})
		return
	}

	if group.Visibility == model.VisibilityPrivate {
		ok, err := h.groupRepo.CheckPasscode(r.Context(), groupID, req.Passcode)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check passcode")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "wrong passcode")
			return
		}
		member := &model.Member{
			ID:       uuid.New().String(),
			GroupID:  groupID,
			Name:     req.Name,
			UserID:   userID,
			JoinedAt: time.Now().UTC(),
		}
		if err := h.groupRepo.AddMember(r.Context(), member); err != nil {
			logger.Errorf("joinGroup add member group=%s: %v", groupID, err)
			writeError(w, http.StatusInternalServerError, "failed to join group")
			return
		}
		writeJSON(w, http.StatusCreated, GroupResponse{Group: group, Member: member})
		return
	}

	request, err := h.jrRepo.Create(r.Context(), groupID, userID, req.Name)
	if err != nil {
		if errors.Is(err, repository.ErrRequestPending) {
			writeError(w, http.StatusConflict, "join request already pending")
			return
		}
		logger.Errorf("joinGroup request group=%s: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "failed to request join")
		return
	}
	writeJSON(w, http.StatusAccepted, request)
}

func (h *GroupHandler) ListJoinRequests(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if _, ok := h.requireModerator(w, r, groupID); !ok {
		return
	}
	reqs, err := h.jrRepo.ListPending(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *GroupHandler) ApproveJoinRequest(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "requestId")
	actor, ok := h.requireModerator(w, r, groupID)
	if !ok {
		return
	}
	member, err := h.jrRepo.Approve(r.Context(), requestID, actor.ID)
	if err != nil {
		logger.Errorf("approveJoinRequest group=%s request=%s: %v", groupID, requestID, err)
		writeError(w, http.StatusInternalServerError, "failed to approve request")
		return
	}
	if member == nil {
		writeError(w, http.StatusNotFound, "no pending request")
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *GroupHandler) RejectJoinRequest(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "requestId")
	actor, ok := h.requireModerator(w, r, groupID)
	if !ok {
		return
	}
	if err := h.jrRepo.Reject(r.Context(), requestID, actor.ID); err != nil {
		logger.Errorf("rejectJoinRequest group=%s request=%s: %v", groupID, requestID, err)
		writeError(w, http.StatusInternalServerError, "failed to reject request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type SetFlagRequest struct {
	Value bool `json:"value"`
}

func (h *GroupHandler) SetAdmin(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	memberID := chi.URLParam(r, "memberId")
	actor, ok := h.requireModerator(w, r, groupID)
	if !ok {
		return
	}
	if !actor.IsOwner {
		writeError(w, http.StatusForbidden, "only the owner can change admin status")
		return
	}
	var req SetFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.groupRepo.SetAdmin(r.Context(), groupID, memberID, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *GroupHandler) SetMuted(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	memberID := chi.URLParam(r, "memberId")
	if _, ok := h.requireModerator(w, r, groupID); !ok {
		return
	}
	var req SetFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.groupRepo.SetMuted(r.Context(), groupID, memberID, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *GroupHandler) SetBanned(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	memberID := chi.URLParam(r, "memberId")
	if _, ok := h.requireModerator(w, r, groupID); !ok {
		return
	}
	var req SetFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.groupRepo.SetBanned(r.Context(), groupID, memberID, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RemoveMember covers both kick (moderator removes someone else) and leave
// (member removes their own record). The owner must transfer first.
func (h *GroupHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	memberID := chi.URLParam(r, "memberId")
	userID := middleware.GetUserID(r.Context())

	actor, err := h.groupRepo.GetMemberByUser(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if actor == nil {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	if actor.ID != memberID && !actor.CanModerate() {
		writeError(w, http.StatusForbidden, "only moderators can remove members")
		return
	}

	err = h.groupRepo.RemoveMember(r.Context(), groupID, memberID)
	if errors.Is(err, repository.ErrOwnerImmutable) {
		writeError(w, http.StatusConflict, "transfer ownership before removing the owner")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type TransferOwnershipRequest struct {
	ToMemberID string `json:"to_member_id"`
}

func (h *GroupHandler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	var req TransferOwnershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ToMemberID == "" {
		writeError(w, http.StatusBadRequest, "to_member_id is required")
		return
	}

	actor, err := h.groupRepo.GetMemberByUser(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if actor == nil || !actor.IsOwner {
		writeError(w, http.StatusForbidden, "only the owner can transfer ownership")
		return
	}
	if err := h.groupRepo.TransferOwnership(r.Context(), groupID, actor.ID, req.ToMemberID); err != nil {
		logger.Errorf("transferOwnership group=%s: %v", groupID, err)
		writeError(w, http.StatusConflict, "failed to transfer ownership")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireModerator resolves the caller's membership and writes the error
// response itself when the caller may not moderate.
func (h *GroupHandler) requireModerator(w http.ResponseWriter, r *http.Request, groupID string) (*model.Member, bool) {
	userID := middleware.GetUserID(r.Context())
	actor, err := h.groupRepo.GetMemberByUser(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return nil, false
	}
	if actor == nil {
		writeError(w, http.StatusForbidden, "not a member")
		return nil, false
	}
	if !actor.CanModerate() {
		writeError(w, http.StatusForbidden, "admin or owner required")
		return nil, false
	}
	return actor, true
}
