// Package strava is the boundary client for the Strava v3 API: one POST to
// exchange the refresh token and one GET per activities page. Failures are
// terminal for the invocation; there is no retry or backoff at this layer.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	httputil "github.com/fitstash/ingest/pkg/infrastructure/http"

	"github.com/fitstash/ingest/pkg/activity"
)

const (
	// BaseURL is the production Strava API root.
	BaseURL = "https://www.strava.com/api/v3"

	// DefaultPerPage matches the upstream default page size.
	DefaultPerPage = 30
)

// AuthError means the refresh-token exchange did not produce an access
// token. Nothing downstream of it may run.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "strava: token refresh failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// FetchError means the activities fetch failed; no blob or row writes
// follow it.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "strava: activities fetch failed: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Credentials are the opaque strings from configuration used for the
// refresh exchange.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Batch is one fetched page: the verbatim response body (staged to blob
// storage unmodified) plus the decoded records.
type Batch struct {
	Raw     []byte
	Records []activity.Record
}

// Client calls the Strava API.
type Client struct {
	http  *resty.Client
	creds Credentials
}

// NewClient builds a client against baseURL (BaseURL in production, an
// httptest server in tests).
func NewClient(creds Credentials, baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json"),
		creds: creds,
	}
}

// RefreshToken exchanges the configured refresh token for a short-lived
// access token. Credentials travel as query parameters, matching the
// upstream contract. Any non-200 status is an AuthError.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"client_id":     c.creds.ClientID,
			"client_secret": c.creds.ClientSecret,
			"grant_type":    "refresh_token",
			"refresh_token": c.creds.RefreshToken,
		}).
		Post("/oauth/token")
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &AuthError{Err: httputil.NewHTTPError(resp.StatusCode(), resp.String(), resp.Request.URL)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if body.AccessToken == "" {
		return "", &AuthError{Err: fmt.Errorf("token response carried no access_token")}
	}
	return body.AccessToken, nil
}

// FetchActivities issues one authenticated GET against the activities
// endpoint. page/perPage <= 0 omit the parameter and take the upstream
// defaults. Any non-200 status is a FetchError.
func (c *Client) FetchActivities(ctx context.Context, token string, page, perPage int) (*Batch, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token)
	if page > 0 {
		req.SetQueryParam("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		req.SetQueryParam("per_page", strconv.Itoa(perPage))
	}

	resp, err := req.Get("/athlete/activities")
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &FetchError{Err: httputil.NewHTTPError(resp.StatusCode(), resp.String(), resp.Request.URL)}
	}

	var records []activity.Record
	if err := json.Unmarshal(resp.Body(), &records); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("decode activities: %w", err)}
	}
	return &Batch{Raw: resp.Body(), Records: records}, nil
}
