package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/germanamz/rvm/pkg/config"
	"github.com/germanamz/rvm/pkg/jsonapi"
)

// ErrInvalidSessionCode is returned for session codes that are not 5-50
// digits.
var ErrInvalidSessionCode = errors.New("backend: invalid session code")

// APIError is a well-formed response with success=false.
type APIError struct {
	Op      string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s: request rejected", e.Op)
	}
	return fmt.Sprintf("backend: %s: %s", e.Op, e.Message)
}

// User is a validated member.
type User struct {
	ID          string `json:"userId"`
	Name        string `json:"name,omitempty"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	SessionCode string `json:"sessionCode"`
}

// DisplayName returns the most readable identifier of u.
func (u User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	default:
		return u.ID
	}
}

// GuestSession is a session opened for an anonymous user.
type GuestSession struct {
	Code string `json:"sessionCode"`
	ID   string `json:"sessionId"`
}

// ItemRecord is one accepted item as reported to the service.
type ItemRecord struct {
	Material   string
	Weight     float64 // Grams.
	Confidence int     // Percent, 0-100.
}

// Totals are the running session totals returned after an item record.
type Totals struct {
	ItemsProcessed int     `json:"itemsProcessed"`
	TotalPoints    float64 `json:"totalPoints"`
}

// Summary is the service-side session summary.
type Summary struct {
	TotalPoints    float64 `json:"totalPoints"`
	ItemsProcessed int     `json:"itemsProcessed,omitempty"`
	TotalWeight    float64 `json:"totalWeight,omitempty"`
}

// Claim is the artifact a guest uses to collect points later.
type Claim struct {
	ClaimCode   string  `json:"claimCode"`
	QRCodeURL   string  `json:"qrCodeUrl"`
	TotalPoints float64 `json:"totalPoints"`
	ItemCount   int     `json:"itemCount"`
	ExpiresIn   string  `json:"expiresIn"`
	Message     string  `json:"message"`
}

// EndResult is the response to a session end.
type EndResult struct {
	Summary Summary `json:"summary"`
	Claim   *Claim  `json:"qrCode,omitempty"`
	Message string  `json:"message,omitempty"`
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (e envelope) check(op string) error {
	if !e.Success {
		return &APIError{Op: op, Message: e.Error}
	}
	return nil
}

// Client is the accounting service client. It is safe for concurrent use.
type Client struct {
	api      *jsonapi.Client
	deviceID string
}

// New creates a Client for cfg. A nil httpClient falls back to a default.
func New(cfg config.Config, httpClient *http.Client) *Client {
	return &Client{
		api:      jsonapi.New(cfg.Backend.URL, cfg.Backend.Timeout, httpClient),
		deviceID: cfg.Device.ID,
	}
}

// DeviceID returns the kiosk id sent with every request.
func (c *Client) DeviceID() string { return c.deviceID }

// CheckSessionCode trims raw and verifies it is 5-50 digits.
func CheckSessionCode(raw string) (string, error) {
	code := strings.TrimSpace(strings.ReplaceAll(raw, "Enter", ""))

	if len(code) < 5 || len(code) > 50 {
		return "", fmt.Errorf("%w: length %d", ErrInvalidSessionCode, len(code))
	}

	for _, r := range code {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: must be numeric", ErrInvalidSessionCode)
		}
	}

	return code, nil
}

// ValidateSession checks a scanned member code and returns the member.
func (c *Client) ValidateSession(ctx context.Context, code string) (User, error) {
	code, err := CheckSessionCode(code)
	if err != nil {
		return User{}, err
	}

	var resp struct {
		envelope
		User *User `json:"user"`
	}

	path := "/api/rvm/" + url.PathEscape(c.deviceID) + "/qr/validate"
	if err := c.api.PostJSON(ctx, path, map[string]string{"sessionCode": code}, &resp); err != nil {
		return User{}, fmt.Errorf("backend: validate session: %w", err)
	}

	if err := resp.check("validate session"); err != nil {
		return User{}, err
	}
	if resp.User == nil {
		return User{}, &APIError{Op: "validate session", Message: "invalid QR code"}
	}

	u := *resp.User
	if u.SessionCode == "" {
		u.SessionCode = code
	}

	return u, nil
}

// StartGuest opens a guest session. Non-JSON responses are rejected.
func (c *Client) StartGuest(ctx context.Context) (GuestSession, error) {
	var resp struct {
		envelope
		Session GuestSession `json:"session"`
	}

	path := "/api/rvm/" + url.PathEscape(c.deviceID) + "/guest/start"
	err := c.api.PostJSONWith(ctx, path, nil, &resp, jsonapi.Options{RequireJSON: true})
	if err != nil {
		return GuestSession{}, fmt.Errorf("backend: start guest: %w", err)
	}

	if err := resp.check("start guest"); err != nil {
		return GuestSession{}, err
	}
	if resp.Session.Code == "" {
		return GuestSession{}, &APIError{Op: "start guest", Message: "response without session code"}
	}

	return resp.Session, nil
}

// RecordItem reports an accepted item for session code.
func (c *Client) RecordItem(ctx context.Context, code string, item ItemRecord) (Totals, error) {
	payload := struct {
		Material   string  `json:"material"`
		Weight     float64 `json:"weight"`
		Confidence float64 `json:"confidence"`
	}{
		Material:   item.Material,
		Weight:     item.Weight,
		Confidence: float64(item.Confidence) / 100,
	}

	var resp struct {
		envelope
		Session Totals `json:"session"`
	}

	path := "/api/rvm/session/" + url.PathEscape(code) + "/item"
	if err := c.api.PostJSON(ctx, path, payload, &resp); err != nil {
		return Totals{}, fmt.Errorf("backend: record item: %w", err)
	}

	if err := resp.check("record item"); err != nil {
		return Totals{}, err
	}

	return resp.Session, nil
}

// EndSession closes session code on the service.
func (c *Client) EndSession(ctx context.Context, code string, items int) (EndResult, error) {
	payload := struct {
		SessionCode    string `json:"sessionCode"`
		DeviceID       string `json:"deviceId"`
		ItemsProcessed int    `json:"itemsProcessed"`
	}{
		SessionCode:    code,
		DeviceID:       c.deviceID,
		ItemsProcessed: items,
	}

	var resp struct {
		envelope
		EndResult
	}

	if err := c.api.PostJSON(ctx, "/api/rvm/local/session/end", payload, &resp); err != nil {
		return EndResult{}, fmt.Errorf("backend: end session: %w", err)
	}

	if err := resp.check("end session"); err != nil {
		return EndResult{}, err
	}

	return resp.EndResult, nil
}
