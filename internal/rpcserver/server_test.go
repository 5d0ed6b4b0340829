package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := testService(t, &fakeRuntime{t: t})
	router := NewRouter(svc, nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postRPC(t *testing.T, srv *httptest.Server, body string) (*http.Response, rpcResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+RPCPath, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandleRPCGetSystemHealth(t *testing.T) {
	srv := testServer(t)

	resp, decoded := postRPC(t, srv, `{"jsonrpc":"2.0","method":"get_system_health","params":{},"id":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decoded.Error)
	assert.NotNil(t, decoded.Result)
}

func TestHandleRPCGetVolumePath(t *testing.T) {
	srv := testServer(t)

	resp, decoded := postRPC(t, srv, `{"jsonrpc":"2.0","method":"get_volume_path","params":{},"id":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decoded.Error)
	assert.NotNil(t, decoded.Result)
}

func TestHandleRPCUnknownMethod(t *testing.T) {
	srv := testServer(t)

	resp, decoded := postRPC(t, srv, `{"jsonrpc":"2.0","method":"not_a_method","id":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "UnknownMethod", decoded.Error.ErrorType)
}

func TestHandleRPCMalformedBody(t *testing.T) {
	srv := testServer(t)

	resp, decoded := postRPC(t, srv, `not json at all`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "BadRequest", decoded.Error.ErrorType)
}

func TestHandleRPCRejectsUnknownTopLevelField(t *testing.T) {
	srv := testServer(t)

	resp, decoded := postRPC(t, srv, `{"jsonrpc":"2.0","method":"get_volume_path","unexpected_field":true,"id":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, decoded.Error)
}

func TestHandleRPCSessionNotFoundMapsTo404(t *testing.T) {
	srv := testServer(t)

	resp, decoded := postRPC(t, srv, `{"jsonrpc":"2.0","method":"stop_session","params":{"session_id":"nonexistent"},"id":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "SessionNotFound", decoded.Error.ErrorType)
}

func TestStatusForErrorType(t *testing.T) {
	tests := []struct {
		errorType string
		want      int
	}{
		{"SessionNotFound", http.StatusNotFound},
		{"BadRequest", http.StatusBadRequest},
		{"UnknownMethod", http.StatusBadRequest},
		{"InvalidSessionState", http.StatusConflict},
		{"ResourceLimitExceeded", http.StatusTooManyRequests},
		{"ExecutionTimeout", http.StatusGatewayTimeout},
		{"CompilationError", http.StatusUnprocessableEntity},
		{"SessionCreationFailed", http.StatusBadGateway},
		{"SomethingUnmapped", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.errorType, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForErrorType(tt.errorType))
		})
	}
}
