package apperrors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// ErrorHandler is a middleware that handles errors consistently.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last()
		log := logger.HTTP()

		if botErr, ok := err.Err.(*BotError); ok {
			if botErr.StatusCode >= 500 {
				log.Error().Str("code", botErr.Code).Str("details", botErr.Details).Msg(botErr.Message)
			} else {
				log.Warn().Str("code", botErr.Code).Msg(botErr.Message)
			}
			c.JSON(botErr.StatusCode, botErr.ToResponse())
			return
		}

		log.Error().Err(err.Err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   ErrCodeInternal,
			Message: "an unexpected error occurred",
			Code:    ErrCodeInternal,
		})
	}
}

// Recovery is a middleware that recovers from panics in HTTP handlers.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.HTTP().Error().Interface("panic", r).Msg("recovered from panic")
				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   ErrCodeInternal,
					Message: "an unexpected error occurred",
					Code:    ErrCodeInternal,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError is a helper function to handle errors in handlers.
func HandleError(c *gin.Context, err error) {
	if botErr, ok := err.(*BotError); ok {
		c.Error(botErr)
		c.JSON(botErr.StatusCode, botErr.ToResponse())
		return
	}
	internalErr := Internal(err)
	c.Error(internalErr)
	c.JSON(internalErr.StatusCode, internalErr.ToResponse())
}

// AbortWithError aborts the request with a BotError response.
func AbortWithError(c *gin.Context, err *BotError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
