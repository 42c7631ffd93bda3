package middleware

import (
	"net/http"

	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorBody is the JSON envelope every failing relay or daemon route
// answers with. Guidance and details are present only when set.
func errorBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if appErr.Guidance != "" {
		body["guidance"] = appErr.Guidance
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}

var internalError = apperrors.New(apperrors.ErrCodeInternal, "internal server error")

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error, unless the handler already wrote a response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err,
				"route", c.FullPath(),
				"user_id", c.GetString(UserIDKey),
			)
			c.JSON(http.StatusInternalServerError, errorBody(internalError))
			return
		}

		log := logger.Infow
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log = logger.Errorw
		}
		log("request failed",
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"route", c.FullPath(),
			"user_id", c.GetString(UserIDKey),
			"error", appErr,
		)
		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("handler panicked",
					"panic", r,
					"route", c.FullPath(),
				)
				abortWith(c, internalError)
			}
		}()
		c.Next()
	}
}
