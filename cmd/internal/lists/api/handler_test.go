package listsapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shopsync/cmd/internal/auth"
	"shopsync/cmd/internal/lists"
	v1 "shopsync/shared/contracts/realtime/v1"
)

type testEnv struct {
	srv      *httptest.Server
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	svc, err := lists.NewService(lists.NewInMemoryStore())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(strings.Repeat("s", 32)), false)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	h, err := NewHandler(nil, svc, verifier)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, id, email string) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Identity{UserID: id, Email: email, Username: id}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, token, method, path string, body any) (int, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(res.Body)
	return res.StatusCode, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func TestHandler_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "", http.MethodGet, "/lists", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status=%d", status)
	}
	if got := decode[errorResponse](t, body).Error.Code; got != "no_token" {
		t.Fatalf("code=%q", got)
	}

	status, body = env.do(t, "garbage", http.MethodGet, "/lists", nil)
	if status != http.StatusUnauthorized || decode[errorResponse](t, body).Error.Code != "invalid_token" {
		t.Fatalf("status=%d body=%s", status, body)
	}

	expired, _ := env.verifier.Issue(auth.Identity{UserID: "u1"}, time.Now().Add(-2*time.Hour), time.Hour)
	status, body = env.do(t, expired, http.MethodGet, "/lists", nil)
	if status != http.StatusUnauthorized || decode[errorResponse](t, body).Error.Code != "expired_token" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestHandler_ListAndItemFlow(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "u-owner", "owner@example.com")

	status, body := env.do(t, owner, http.MethodPost, "/lists", map[string]any{"name": "Groceries"})
	if status != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", status, body)
	}
	l := decode[v1.List](t, body)
	if l.Name != "Groceries" || l.Owner.ID != "u-owner" {
		t.Fatalf("list=%+v", l)
	}

	status, body = env.do(t, owner, http.MethodPost, "/lists/"+l.ID+"/items",
		map[string]any{"name": "Milk", "quantity": 2, "unit": "l"})
	if status != http.StatusCreated {
		t.Fatalf("add status=%d body=%s", status, body)
	}
	it := decode[v1.Item](t, body)

	status, body = env.do(t, owner, http.MethodPatch, "/lists/"+l.ID+"/items/"+it.ID+"/toggle-bought", nil)
	if status != http.StatusOK || !decode[v1.Item](t, body).IsBought {
		t.Fatalf("toggle status=%d body=%s", status, body)
	}

	status, body = env.do(t, owner, http.MethodPatch, "/lists/"+l.ID+"/items/"+it.ID, map[string]any{"quantity": 3})
	if status != http.StatusOK || decode[v1.Item](t, body).Quantity != 3 {
		t.Fatalf("patch status=%d body=%s", status, body)
	}

	status, body = env.do(t, owner, http.MethodGet, "/lists", nil)
	if status != http.StatusOK {
		t.Fatalf("index status=%d", status)
	}
	if idx := decode[[]v1.List](t, body); len(idx) != 1 || len(idx[0].Items) != 1 {
		t.Fatalf("index=%s", body)
	}

	status, _ = env.do(t, owner, http.MethodDelete, "/lists/"+l.ID+"/items/"+it.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("delete item status=%d", status)
	}
	status, _ = env.do(t, owner, http.MethodDelete, "/lists/"+l.ID+"/items/"+it.ID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("second delete status=%d", status)
	}

	status, _ = env.do(t, owner, http.MethodDelete, "/lists/"+l.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("delete list status=%d", status)
	}
	status, _ = env.do(t, owner, http.MethodGet, "/lists/"+l.ID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get deleted status=%d", status)
	}
}

func TestHandler_SharingFlow(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "u-owner", "owner@example.com")
	guest := env.token(t, "u-guest", "guest@example.com")

	// the guest must have authenticated once to be discoverable by email
	if status, _ := env.do(t, guest, http.MethodGet, "/lists", nil); status != http.StatusOK {
		t.Fatalf("guest index status=%d", status)
	}

	_, body := env.do(t, owner, http.MethodPost, "/lists", map[string]any{"name": "Party"})
	l := decode[v1.List](t, body)

	status, body := env.do(t, owner, http.MethodPost, "/lists/"+l.ID+"/share",
		map[string]any{"email": "guest@example.com", "role": "editor"})
	if status != http.StatusOK {
		t.Fatalf("share status=%d body=%s", status, body)
	}

	status, body = env.do(t, owner, http.MethodPost, "/lists/"+l.ID+"/share",
		map[string]any{"email": "guest@example.com", "role": "editor"})
	if status != http.StatusConflict {
		t.Fatalf("duplicate share status=%d body=%s", status, body)
	}

	status, body = env.do(t, guest, http.MethodGet, "/lists/invitations", nil)
	invs := decode[[]v1.Invitation](t, body)
	if status != http.StatusOK || len(invs) != 1 || invs[0].ListID != l.ID || invs[0].Role != "editor" {
		t.Fatalf("invitations status=%d body=%s", status, body)
	}

	status, _ = env.do(t, guest, http.MethodGet, "/lists/"+l.ID, nil)
	if status != http.StatusForbidden {
		t.Fatalf("pending read status=%d", status)
	}

	status, _ = env.do(t, owner, http.MethodPut, "/lists/"+l.ID+"/invite/u-guest/accept", nil)
	if status != http.StatusForbidden {
		t.Fatalf("owner accepting for guest status=%d", status)
	}

	status, body = env.do(t, guest, http.MethodPut, "/lists/"+l.ID+"/invite/u-guest/accept", nil)
	if status != http.StatusOK {
		t.Fatalf("accept status=%d body=%s", status, body)
	}
	resp := decode[listMessageResponse](t, body)
	if len(resp.List.SharedWith) != 1 || resp.List.SharedWith[0].Status != "accepted" {
		t.Fatalf("sharedWith=%+v", resp.List.SharedWith)
	}

	status, _ = env.do(t, guest, http.MethodPost, "/lists/"+l.ID+"/items", map[string]any{"name": "Chips"})
	if status != http.StatusCreated {
		t.Fatalf("editor add status=%d", status)
	}

	status, body = env.do(t, owner, http.MethodPatch, "/lists/"+l.ID+"/role/u-guest", map[string]any{"role": "viewer"})
	if status != http.StatusOK {
		t.Fatalf("role status=%d body=%s", status, body)
	}
	status, _ = env.do(t, guest, http.MethodPost, "/lists/"+l.ID+"/items", map[string]any{"name": "Dip"})
	if status != http.StatusForbidden {
		t.Fatalf("viewer add status=%d", status)
	}

	status, _ = env.do(t, owner, http.MethodDelete, "/lists/"+l.ID+"/share/u-guest", nil)
	if status != http.StatusOK {
		t.Fatalf("revoke status=%d", status)
	}
	status, _ = env.do(t, guest, http.MethodGet, "/lists/"+l.ID, nil)
	if status != http.StatusForbidden {
		t.Fatalf("revoked read status=%d", status)
	}
}

func TestHandler_RemoveDuplicates(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "u-owner", "owner@example.com")

	_, body := env.do(t, owner, http.MethodPost, "/lists", map[string]any{"name": "L"})
	l := decode[v1.List](t, body)
	for _, name := range []string{"Milk", "milk ", "Bread"} {
		env.do(t, owner, http.MethodPost, "/lists/"+l.ID+"/items", map[string]any{"name": name})
	}

	status, body := env.do(t, owner, http.MethodPost, "/lists/"+l.ID+"/remove-duplicates", nil)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	resp := decode[listMessageResponse](t, body)
	if resp.RemovedCount == nil || *resp.RemovedCount != 1 || len(resp.List.Items) != 2 {
		t.Fatalf("resp=%s", body)
	}

	_, body = env.do(t, owner, http.MethodPost, "/lists/"+l.ID+"/remove-duplicates", nil)
	if resp := decode[listMessageResponse](t, body); resp.RemovedCount == nil || *resp.RemovedCount != 0 {
		t.Fatalf("second pass=%s", body)
	}
}

func TestHandler_BadInput(t *testing.T) {
	env := newTestEnv(t)
	owner := env.token(t, "u-owner", "owner@example.com")

	status, _ := env.do(t, owner, http.MethodPost, "/lists", map[string]any{"name": "L", "extra": true})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", status)
	}
	status, body := env.do(t, owner, http.MethodPost, "/lists", map[string]any{"name": "  "})
	if status != http.StatusBadRequest || decode[errorResponse](t, body).Error.Code != "invalid_request" {
		t.Fatalf("blank name status=%d body=%s", status, body)
	}
	status, _ = env.do(t, owner, http.MethodGet, "/lists/does-not-exist", nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing list status=%d", status)
	}
}
