// Package listsapi exposes list, item and sharing operations over HTTP.
package listsapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"shopsync/cmd/internal/auth"
	"shopsync/cmd/internal/lists"
	v1 "shopsync/shared/contracts/realtime/v1"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Handler wires HTTP list endpoints to lists.Service.
type Handler struct {
	log      *slog.Logger
	svc      *lists.Service
	verifier auth.Verifier
	maxBody  int64
	now      func() time.Time
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithClock overrides the clock used for token verification.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *lists.Service, verifier auth.Verifier, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("listsapi: nil service")
	}
	if verifier == nil {
		return nil, errors.New("listsapi: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		svc:      svc,
		verifier: verifier,
		maxBody:  defaultMaxBodyBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires list routes onto the provided mux. Every route requires authentication.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("GET /lists", h.authed(h.handleLists))
	mux.Handle("POST /lists", h.authed(h.handleCreateList))
	mux.Handle("GET /lists/invitations", h.authed(h.handleInvitations))
	mux.Handle("GET /lists/{id}", h.authed(h.handleGetList))
	mux.Handle("DELETE /lists/{id}", h.authed(h.handleDeleteList))

	mux.Handle("POST /lists/{id}/items", h.authed(h.handleAddItem))
	mux.Handle("PATCH /lists/{id}/items/{itemId}", h.authed(h.handleUpdateItem))
	mux.Handle("DELETE /lists/{id}/items/{itemId}", h.authed(h.handleRemoveItem))
	mux.Handle("PATCH /lists/{id}/items/{itemId}/toggle-bought", h.authed(h.handleToggleBought))
	mux.Handle("POST /lists/{id}/remove-duplicates", h.authed(h.handleRemoveDuplicates))

	mux.Handle("POST /lists/{id}/share", h.authed(h.handleShare))
	mux.Handle("DELETE /lists/{id}/share/{userId}", h.authed(h.handleRevoke))
	mux.Handle("PUT /lists/{id}/invite/{userId}/accept", h.authed(h.handleRespond(true)))
	mux.Handle("PUT /lists/{id}/invite/{userId}/decline", h.authed(h.handleRespond(false)))
	mux.Handle("PATCH /lists/{id}/role/{userId}", h.authed(h.handleChangeRole))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, actor lists.User)

// authed verifies the bearer token, records the caller in the user directory and
// passes the resolved actor to next.
func (h *Handler) authed(next authedFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.verifier.Verify(auth.TokenFromRequest(r), h.now())
		if err != nil {
			h.log.Debug("lists.http.auth.fail", "path", r.URL.Path, "reason", auth.Code(err))
			writeAuthError(w, err)
			return
		}
		actor := lists.User{ID: id.UserID, Username: id.Username, Email: id.Email}
		if err := h.svc.EnsureUser(r.Context(), actor); err != nil {
			h.fail(w, r, err)
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)), actor)
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		h.log.Error("lists.http.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, errorMessage(status, err))
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "invalid_request", msg)
}

// ---- lists ----

func (h *Handler) handleLists(w http.ResponseWriter, r *http.Request, actor lists.User) {
	ls, err := h.svc.Lists(r.Context(), actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lists.ToWireLists(ls))
}

func (h *Handler) handleCreateList(w http.ResponseWriter, r *http.Request, actor lists.User) {
	var req createListRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	l, err := h.svc.CreateList(r.Context(), actor, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lists.ToWireList(l))
}

func (h *Handler) handleGetList(w http.ResponseWriter, r *http.Request, actor lists.User) {
	l, err := h.svc.GetList(r.Context(), actor.ID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lists.ToWireList(l))
}

func (h *Handler) handleDeleteList(w http.ResponseWriter, r *http.Request, actor lists.User) {
	listID := r.PathValue("id")
	if err := h.svc.DeleteList(r.Context(), actor, listID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedListResponse{Message: "List deleted successfully", ListID: listID})
}

func (h *Handler) handleInvitations(w http.ResponseWriter, r *http.Request, actor lists.User) {
	invs, err := h.svc.Invitations(r.Context(), actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]v1.Invitation, 0, len(invs))
	for _, inv := range invs {
		out = append(out, lists.ToWireInvitation(inv))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- items ----

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request, actor lists.User) {
	var in lists.ItemInput
	if err := decodeJSON(w, r, h.maxBody, &in); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	it, err := h.svc.AddItem(r.Context(), actor, r.PathValue("id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lists.ToWireItem(it))
}

func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request, actor lists.User) {
	var p lists.ItemPatch
	if err := decodeJSON(w, r, h.maxBody, &p); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	it, err := h.svc.UpdateItem(r.Context(), actor, r.PathValue("id"), r.PathValue("itemId"), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lists.ToWireItem(it))
}

func (h *Handler) handleToggleBought(w http.ResponseWriter, r *http.Request, actor lists.User) {
	it, err := h.svc.ToggleBought(r.Context(), actor, r.PathValue("id"), r.PathValue("itemId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lists.ToWireItem(it))
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request, actor lists.User) {
	itemID := r.PathValue("itemId")
	if err := h.svc.RemoveItem(r.Context(), actor, r.PathValue("id"), itemID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedItemResponse{Message: "Item deleted successfully", ItemID: itemID})
}

func (h *Handler) handleRemoveDuplicates(w http.ResponseWriter, r *http.Request, actor lists.User) {
	l, removed, err := h.svc.RemoveDuplicates(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg := "No duplicates found."
	if removed > 0 {
		msg = fmt.Sprintf("%d duplicate item(s) removed.", removed)
	}
	writeJSON(w, http.StatusOK, listMessageResponse{Message: msg, List: lists.ToWireList(l), RemovedCount: &removed})
}

// ---- sharing ----

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request, actor lists.User) {
	var req shareRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	role := lists.RoleViewer
	if strings.TrimSpace(req.Role) != "" {
		role = lists.Role(req.Role)
	}
	l, err := h.svc.Share(r.Context(), actor, r.PathValue("id"), req.Email, role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listMessageResponse{Message: "Invitation sent", List: lists.ToWireList(l)})
}

func (h *Handler) handleRespond(accept bool) authedFunc {
	msg := "Invitation declined"
	if accept {
		msg = "Invitation accepted"
	}
	return func(w http.ResponseWriter, r *http.Request, actor lists.User) {
		l, err := h.svc.Respond(r.Context(), actor, r.PathValue("id"), r.PathValue("userId"), accept)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listMessageResponse{Message: msg, List: lists.ToWireList(l)})
	}
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request, actor lists.User) {
	var req roleRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.badRequest(w, "invalid json body")
		return
	}
	l, err := h.svc.ChangeRole(r.Context(), actor, r.PathValue("id"), r.PathValue("userId"), lists.Role(req.Role))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listMessageResponse{Message: "Role updated", List: lists.ToWireList(l)})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, actor lists.User) {
	l, err := h.svc.Revoke(r.Context(), actor, r.PathValue("id"), r.PathValue("userId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listMessageResponse{Message: "User access removed", List: lists.ToWireList(l)})
}
