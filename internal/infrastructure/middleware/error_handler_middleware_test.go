package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"beamdrop/internal/core/domain"
	apperrors "beamdrop/pkg/errors"
	"beamdrop/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func errorRouter(t *testing.T, err error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()), ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/fail", func(c *gin.Context) {
		c.Error(err)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return router
}

func TestErrorHandler_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{fmt.Errorf("send: %w", domain.ErrDeviceNotFound), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{domain.ErrFileNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{domain.ErrDeviceNotConnected, http.StatusConflict, apperrors.ErrCodeConflict},
		{domain.ErrFileTooLarge, http.StatusRequestEntityTooLarge, apperrors.ErrCodePayloadTooLarge},
		{fmt.Errorf("%w: peer xyz", domain.ErrTransportConnect), http.StatusBadGateway, apperrors.ErrCodeBadGateway},
		{domain.ErrNodeClosed, http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{apperrors.NewInvalidInputError("bad"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{fmt.Errorf("enqueue: %w", validation.ValidateFileName("")), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{errors.New("something else"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			errorRouter(t, tc.err).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

			assert.Equal(t, tc.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tc.code), body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	errorRouter(t, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeInternal))
}

func TestRequestIDMiddleware_Header(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}
