package conversation

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"messenger/internal/apperr"
	"messenger/internal/middleware"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

// memberRef mirrors the select-input shape the web client posts for group
// members.
type memberRef struct {
	Value string `json:"value" validate:"required,uuid"`
}

type createConversationRequest struct {
	UserID  string      `json:"user_id"`
	IsGroup bool        `json:"is_group"`
	Members []memberRef `json:"members"`
	Name    string      `json:"name"`
}

type sendMessageRequest struct {
	Body  string `json:"body"`
	Image string `json:"image"`
}

// Create resolves a direct conversation or creates a group, depending on
// the request shape.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("not signed in"))
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed request body"))
		return
	}

	if req.IsGroup {
		memberIDs := make([]uuid.UUID, 0, len(req.Members))
		for _, m := range req.Members {
			if err := h.validate.Struct(m); err != nil {
				writeError(w, apperr.Invalid("malformed member reference"))
				return
			}
			id, err := uuid.Parse(m.Value)
			if err != nil {
				writeError(w, apperr.Invalid("malformed member id"))
				return
			}
			memberIDs = append(memberIDs, id)
		}

		conv, err := h.svc.CreateGroup(r.Context(), ident.ID, lo.Uniq(memberIDs), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
		return
	}

	target, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, apperr.Invalid("malformed user id"))
		return
	}

	conv, created, err := h.svc.ResolveDirect(r.Context(), ident.ID, target)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// List returns the caller's conversations, newest activity first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("not signed in"))
		return
	}

	convs, err := h.svc.ListForUser(r.Context(), ident.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// Delete removes a conversation the caller belongs to.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("not signed in"))
		return
	}

	convID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, apperr.Invalid("malformed conversation id"))
		return
	}

	conv, err := h.svc.Delete(r.Context(), ident.ID, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// History loads the full message log of one conversation.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("not signed in"))
		return
	}

	convID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, apperr.Invalid("malformed conversation id"))
		return
	}

	msgs, err := h.svc.History(r.Context(), ident.ID, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Send persists and fans out one message.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("not signed in"))
		return
	}

	convID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, apperr.Invalid("malformed conversation id"))
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("malformed request body"))
		return
	}

	msg, err := h.svc.Send(r.Context(), ident.ID, convID, req.Body, req.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Seen marks the newest message of the conversation seen by the caller.
func (h *Handler) Seen(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperr.Unauthorized("not signed in"))
		return
	}

	convID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, apperr.Invalid("malformed conversation id"))
		return
	}

	msg, err := h.svc.MarkSeen(r.Context(), ident.ID, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"code":  string(apperr.CodeOf(err)),
		"error": err.Error(),
	})
}
