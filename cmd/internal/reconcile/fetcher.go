package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "shopsync/shared/contracts/realtime/v1"
)

var (
	// ErrGone: the list does not exist or is no longer readable by this user.
	ErrGone = errors.New("reconcile: list gone")
	// ErrReauthenticate: the credential was refused; a new one is needed before retrying.
	ErrReauthenticate = errors.New("reconcile: reauthenticate")
	// ErrRejected: the server refused the handshake for a reason retrying cannot fix.
	ErrRejected = errors.New("reconcile: rejected")
)

// Fetcher is the authoritative read path.
type Fetcher interface {
	Lists(ctx context.Context) ([]v1.List, error)
	List(ctx context.Context, listID string) (v1.List, error)
	Invitations(ctx context.Context) ([]v1.Invitation, error)
}

// HTTPFetcher reads through the REST API.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

const maxErrorBody = 4 << 10

func (f *HTTPFetcher) Lists(ctx context.Context) ([]v1.List, error) {
	var out []v1.List
	if err := f.get(ctx, "/lists", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *HTTPFetcher) List(ctx context.Context, listID string) (v1.List, error) {
	var out v1.List
	if err := f.get(ctx, "/lists/"+url.PathEscape(listID), &out); err != nil {
		return v1.List{}, err
	}
	return out, nil
}

func (f *HTTPFetcher) Invitations(ctx context.Context) ([]v1.Invitation, error) {
	var out []v1.Invitation
	if err := f.get(ctx, "/lists/invitations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *HTTPFetcher) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	hc := f.Client
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("reconcile: GET %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
			return fmt.Errorf("reconcile: decode %s: %w", path, err)
		}
		return nil
	}

	var body apiError
	_ = json.NewDecoder(io.LimitReader(res.Body, maxErrorBody)).Decode(&body)

	switch res.StatusCode {
	case http.StatusUnauthorized:
		reason := res.Header.Get("X-Auth-Error")
		if reason == "" {
			reason = body.Error.Code
		}
		return &RefusalError{Status: res.StatusCode, Reason: reason}
	case http.StatusNotFound, http.StatusForbidden:
		return fmt.Errorf("%w: GET %s: %s", ErrGone, path, body.Error.Code)
	default:
		return fmt.Errorf("reconcile: GET %s: status %d: %s", path, res.StatusCode, body.Error.Message)
	}
}
