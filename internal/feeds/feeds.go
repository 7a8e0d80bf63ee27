// Package feeds talks to the market, macro and news services the specialist
// agents read from. Every call takes the resty client of the caller's pool
// lease; feeds never own connections.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"resty.dev/v3"
)

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	Service    string
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("feeds: %s returned status %d from %s: %s", e.Service, e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// KeySource resolves an API key on demand.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

// StaticKey is a KeySource for keys known up front.
type StaticKey string

func (k StaticKey) Value(context.Context) (string, error) {
	if strings.TrimSpace(string(k)) == "" {
		return "", errors.New("feeds: static key is empty")
	}
	return string(k), nil
}

var errNilClient = errors.New("feeds: rest client must not be nil")

func trimBase(raw, fallback string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return fallback
	}
	return base
}

func checkResponse(service string, res *resty.Response, url string) error {
	if !res.IsError() {
		return nil
	}
	body := res.String()
	if len(body) > 512 {
		body = body[:512]
	}
	return &HTTPStatusError{
		Service:    service,
		StatusCode: res.StatusCode(),
		URL:        url,
		Body:       body,
	}
}
