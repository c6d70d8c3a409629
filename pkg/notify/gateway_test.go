package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewaySend(t *testing.T) {
	var received pushPayload
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "secret-key", nil)
	err := gw.Send(context.Background(), "device-token-1", &Draft{
		Title: "Submission Approved!",
		Body:  "Score: 95",
		Data:  map[string]interface{}{"submissionId": "sub-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "key=secret-key", gotAuth)
	assert.Equal(t, "device-token-1", received.To)
	assert.Equal(t, "Submission Approved!", received.Notification.Title)
	assert.Equal(t, "sub-1", received.Data["submissionId"])
}

func TestHTTPGatewayErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid registration", http.StatusBadRequest)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "", nil)
	err := gw.Send(context.Background(), "bad-token", &Draft{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestLogGatewayNeverFails(t *testing.T) {
	gw := NewLogGateway(nil)
	assert.NoError(t, gw.Send(context.Background(), "any", &Draft{Title: "t"}))
}
