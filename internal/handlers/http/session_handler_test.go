package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"beamdrop/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newSessionRouter(node *mockNode) http.Handler {
	router := newTestRouter()
	NewSessionHandler(node).SetupRoutes(router)
	return router
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSessionHandler_GetSession(t *testing.T) {
	node := &mockNode{}
	node.On("Identity").Return(domain.SessionIdentity{
		Role:         domain.RoleAnchor,
		LocalID:      "ab12cd",
		ShareLocator: "https://beam.example/?host=ab12cd",
	})

	w := do(newSessionRouter(node), http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	session := decode(t, w)["session"].(map[string]interface{})
	assert.Equal(t, "anchor", session["role"])
	assert.Equal(t, "ab12cd", session["local_id"])
	assert.Equal(t, "https://beam.example/?host=ab12cd", session["share_locator"])
}

func TestSessionHandler_ListDevices(t *testing.T) {
	node := &mockNode{}
	node.On("Devices", mock.Anything).Return([]domain.Device{
		{ID: "zz99yy", DisplayName: "Pixel", Kind: domain.DeviceAndroid, Liveness: domain.LivenessOnline},
	}, nil).Once()
	node.On("Devices", mock.Anything).Return(nil, nil).Once()

	router := newSessionRouter(node)

	w := do(router, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["count"])
	device := body["devices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Pixel", device["name"])
	assert.Equal(t, "Android", device["type"])

	w = do(router, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, decode(t, w)["devices"], "empty list, not null")
}

func TestSessionHandler_Connect(t *testing.T) {
	node := &mockNode{}
	node.On("Connect", mock.Anything, domain.PeerID("zz99yy")).Return(nil).Once()

	w := do(newSessionRouter(node), http.MethodPost, "/api/v1/devices/connect", `{"peer_id":" zz99yy "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["connected"])
	node.AssertExpectations(t)
}

func TestSessionHandler_ConnectFailures(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing peer id",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_INPUT",
		},
		{
			name:     "invalid peer id",
			body:     `{"peer_id":"../etc"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_INPUT",
		},
		{
			name:     "unreachable peer",
			body:     `{"peer_id":"zz99yy"}`,
			err:      fmt.Errorf("%w: peer zz99yy unavailable", domain.ErrTransportConnect),
			wantCode: http.StatusBadGateway,
			wantErr:  "BAD_GATEWAY",
		},
		{
			name:     "handshake timeout",
			body:     `{"peer_id":"zz99yy"}`,
			err:      domain.ErrHandshakeTimeout,
			wantCode: http.StatusBadGateway,
			wantErr:  "BAD_GATEWAY",
		},
		{
			name:     "node closed",
			body:     `{"peer_id":"zz99yy"}`,
			err:      domain.ErrNodeClosed,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "SERVICE_UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &mockNode{}
			node.On("Connect", mock.Anything, mock.Anything).Return(tt.err)

			w := do(newSessionRouter(node), http.MethodPost, "/api/v1/devices/connect", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantErr, body["error"])
			if tt.wantCode == http.StatusBadGateway {
				assert.Equal(t, true, body["details"].(map[string]interface{})["retry"])
			}
		})
	}
}

func TestSessionHandler_Send(t *testing.T) {
	node := &mockNode{}
	node.On("Send", mock.Anything, domain.PeerID("zz99yy")).Return([]domain.TransferFile{
		{ID: "f1", Name: "cat.jpg", TransferState: domain.TransferSending},
	}, nil).Once()
	node.On("Send", mock.Anything, domain.PeerID("offline")).
		Return(nil, fmt.Errorf("%w: offline", domain.ErrDeviceNotConnected)).Once()
	node.On("Send", mock.Anything, domain.PeerID("nobody")).
		Return(nil, domain.ErrDeviceNotFound).Once()

	router := newSessionRouter(node)

	w := do(router, http.MethodPost, "/api/v1/devices/zz99yy/send", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["count"])
	file := body["files"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "sending", file["transfer_state"])

	w = do(router, http.MethodPost, "/api/v1/devices/offline/send", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/api/v1/devices/nobody/send", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	node.AssertExpectations(t)
}
