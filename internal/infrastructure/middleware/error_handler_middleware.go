package middleware

import (
	stderrors "errors"
	"net/http"

	"beamdrop/internal/core/domain"
	"beamdrop/pkg/errors"
	"beamdrop/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached to the request.
// Domain errors are mapped to their HTTP counterparts.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			appErr = fromDomain(err)
		}
		if appErr != nil {
			log := logger.Infow
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)

			c.JSON(appErr.HTTPStatus, appErr.Body())
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(errors.Internal.HTTPStatus, errors.Internal.Body())
	}
}

func fromDomain(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrDeviceNotFound):
		return errors.Wrap(err, errors.ErrCodeNotFound, "device not found")
	case stderrors.Is(err, domain.ErrFileNotFound):
		return errors.Wrap(err, errors.ErrCodeNotFound, "file not found")
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return errors.Wrap(err, errors.ErrCodeNotFound, "peer not found")
	case stderrors.Is(err, domain.ErrDeviceNotConnected),
		stderrors.Is(err, domain.ErrInvalidTransition),
		stderrors.Is(err, domain.ErrPeerIDTaken),
		stderrors.Is(err, domain.ErrFileExists):
		return errors.Wrap(err, errors.ErrCodeConflict, err.Error())
	case stderrors.Is(err, validation.ErrInvalid):
		return errors.Wrap(err, errors.ErrCodeInvalidInput, err.Error())
	case stderrors.Is(err, domain.ErrFileTooLarge):
		return errors.Wrap(err, errors.ErrCodePayloadTooLarge, err.Error())
	case stderrors.Is(err, domain.ErrTransportConnect),
		stderrors.Is(err, domain.ErrHandshakeTimeout):
		return errors.Wrap(err, errors.ErrCodeBadGateway, err.Error())
	case stderrors.Is(err, domain.ErrNodeClosed),
		stderrors.Is(err, domain.ErrTransportClosed):
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, err.Error())
	}
	return nil
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(errors.Internal.HTTPStatus, errors.Internal.Body())
			}
		}()

		c.Next()
	}
}
