package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.HandlerFunc) *backend.Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Backend.URL = srv.URL
	cfg.Backend.Timeout = time.Second

	return backend.New(cfg, srv.Client())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decode(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestCheckSessionCode(t *testing.T) {
	code, err := backend.CheckSessionCode(" 1234567Enter\n")
	require.NoError(t, err)
	assert.Equal(t, "1234567", code)

	for _, bad := range []string{"", "1234", "12a45", "١٢٣٤٥", string(make([]byte, 51))} {
		_, err := backend.CheckSessionCode(bad)
		assert.ErrorIs(t, err, backend.ErrInvalidSessionCode, "code %q", bad)
	}
}

func TestValidateSession(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rvm/RVM-3101/qr/validate", r.URL.Path)
		assert.Equal(t, "123456", decode(t, r)["sessionCode"])

		writeJSON(w, map[string]any{
			"success": true,
			"user":    map[string]any{"userId": "u-1", "name": "Ana"},
		})
	})

	u, err := c.ValidateSession(context.Background(), "123456")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "Ana", u.DisplayName())
	assert.Equal(t, "123456", u.SessionCode)
}

func TestValidateSession_Rejected(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"success": false, "error": "QR code expired"})
	})

	_, err := c.ValidateSession(context.Background(), "123456")

	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "QR code expired", apiErr.Message)
}

func TestValidateSession_BadFormatNeverCallsService(t *testing.T) {
	called := false
	c := newClient(t, func(http.ResponseWriter, *http.Request) { called = true })

	_, err := c.ValidateSession(context.Background(), "abc")
	assert.ErrorIs(t, err, backend.ErrInvalidSessionCode)
	assert.False(t, called)
}

func TestStartGuest(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rvm/RVM-3101/guest/start", r.URL.Path)
		writeJSON(w, map[string]any{
			"success": true,
			"session": map[string]any{"sessionCode": "998877", "sessionId": "s-42"},
		})
	})

	gs, err := c.StartGuest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.GuestSession{Code: "998877", ID: "s-42"}, gs)
}

func TestStartGuest_NonJSON(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>maintenance</h1>"))
	})

	_, err := c.StartGuest(context.Background())
	assert.ErrorContains(t, err, "non-JSON response (200)")
	assert.ErrorContains(t, err, "maintenance")
}

func TestRecordItem(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rvm/session/998877/item", r.URL.Path)

		body := decode(t, r)
		assert.Equal(t, "METAL_CAN", body["material"])
		assert.InDelta(t, 14.2, body["weight"], 1e-9)
		assert.InDelta(t, 0.87, body["confidence"], 1e-9)

		writeJSON(w, map[string]any{
			"success": true,
			"session": map[string]any{"itemsProcessed": 3, "totalPoints": 7.5},
		})
	})

	totals, err := c.RecordItem(context.Background(), "998877", backend.ItemRecord{
		Material:   "METAL_CAN",
		Weight:     14.2,
		Confidence: 87,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, totals.ItemsProcessed)
	assert.InDelta(t, 7.5, totals.TotalPoints, 1e-9)
}

func TestEndSession(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rvm/local/session/end", r.URL.Path)

		body := decode(t, r)
		assert.Equal(t, "998877", body["sessionCode"])
		assert.Equal(t, "RVM-3101", body["deviceId"])
		assert.InDelta(t, 0, body["itemsProcessed"], 1e-9)

		writeJSON(w, map[string]any{
			"success": true,
			"summary": map[string]any{"totalPoints": 0},
			"qrCode":  map[string]any{"claimCode": "CLM-1", "itemCount": 0},
			"message": "Thanks",
		})
	})

	res, err := c.EndSession(context.Background(), "998877", 0)
	require.NoError(t, err)
	require.NotNil(t, res.Claim)
	assert.Equal(t, "CLM-1", res.Claim.ClaimCode)
	assert.Equal(t, "Thanks", res.Message)
	assert.InDelta(t, 0, res.Summary.TotalPoints, 1e-9)
}

func TestEndSession_Failure(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.EndSession(context.Background(), "998877", 2)
	assert.ErrorContains(t, err, "backend: end session")
	assert.ErrorContains(t, err, "unexpected status 503")
}
