// Package clients are HTTP clients for the bookledger API. Status codes are
// mapped back onto the service packages' error values so callers can classify
// remote failures exactly like in-process ones.
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultTimeout = 10 * time.Second

// Credentials authenticate a member with HTTP Basic auth.
type Credentials struct {
	Email    string
	Password string
}

type base struct {
	baseURL string
	http    *http.Client
}

func newBase(baseURL string, httpClient *http.Client) base {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return base{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// do sends body (if any) as JSON and decodes a successful response into out.
func (b base) do(ctx context.Context, method, path string, creds *Credentials, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds != nil {
		req.SetBasicAuth(creds.Email, creds.Password)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, code int, msg string) error {
	var kind error
	switch code {
	case http.StatusNotFound:
		kind = circulation.ErrNotFound
		if isBookPath(path) {
			kind = catalog.ErrBookNotFound
		}
	case http.StatusConflict:
		kind = circulation.ErrConflict
		switch {
		case path == "/members":
			kind = membership.ErrEmailTaken
		case isBookPath(path):
			kind = catalog.ErrBookOnLoan
		}
	case http.StatusServiceUnavailable:
		kind = circulation.ErrRetryableConflict
		if isBookPath(path) {
			kind = catalog.ErrConcurrentChange
		}
	case http.StatusBadRequest:
		kind = circulation.ErrInvalidArgument
	case http.StatusUnauthorized:
		kind = membership.ErrInvalidCredentials
	case http.StatusTooManyRequests:
		kind = membership.ErrRateLimited
	default:
		return fmt.Errorf("%s %s: unexpected status code %d: %s", method, path, code, msg)
	}
	return fmt.Errorf("%s %s: %w: %s", method, path, kind, msg)
}

// isBookPath matches /books/{id} itself, not the circulation paths below it.
func isBookPath(path string) bool {
	return strings.HasPrefix(path, "/books/") && strings.Count(path, "/") == 2
}
