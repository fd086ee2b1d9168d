package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"smsd/pkg/logx"
)

func TestSendSuccess(t *testing.T) {
	var gotAuth string
	var gotReq sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-1", "status": "queued"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL, Token: "secret"}, logx.Nop())
	require.NoError(t, err)

	r, err := c.Send(context.Background(), "+48123456789", "hello", "+48100000000")
	require.NoError(t, err)
	require.Equal(t, "msg-1", r.ProviderID)
	require.Equal(t, "queued", r.Status)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, sendRequest{To: "+48123456789", From: "+48100000000", Body: "hello"}, gotReq)
}

func TestSendDefaultsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-2"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	r, err := c.Send(context.Background(), "+48123456789", "hi", "")
	require.NoError(t, err)
	require.Equal(t, "sent", r.Status)
}

func TestSendStructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "rate_limited", "message": "slow down"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "+48123456789", "hi", "")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus)
	require.Equal(t, "rate_limited", pe.Code)
	require.Equal(t, "slow down", pe.Message)
	require.Equal(t, "429|rate_limited|slow down", pe.Summary())
}

func TestSendNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream blew up", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "+48123456789", "hi", "")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusBadGateway, pe.HTTPStatus)
	require.Equal(t, "upstream blew up", pe.Message)
}

func TestSendMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "+48123456789", "hi", "")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Contains(t, pe.Message, "missing message id")
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{}, logx.Nop())
	require.Error(t, err)
}
