package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"imagestore/internal/models"
)

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"

	ctxAPIKey    = "api_key"
	ctxKeyConfig = "api_key_config"
)

// requestLogger logs one line per request. The level follows the status
// class of the response.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		}

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.Int("status", status),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		s.logger.Check(level, "http request").Write(fields...)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("handler panicked",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.Stack("stack"),
		)
		s.writeError(c, &models.ServiceError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
			Details: "An unexpected error occurred",
			Status:  http.StatusInternalServerError,
		})
	})
}

// requireAPIKey resolves X-API-Key against the configured keys and stores
// the key and its settings on the context.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerAPIKey)
		if key == "" {
			s.writeError(c, models.Unauthorized("AUTH_REQUIRED", "API key is required", "Please provide X-API-Key header"))
			return
		}
		keyCfg, ok := s.cfg.APIKeys[key]
		if !ok {
			s.writeError(c, models.Unauthorized("AUTH_FAILED", "Invalid API key", "The provided API key is not valid"))
			return
		}
		c.Set(ctxAPIKey, key)
		c.Set(ctxKeyConfig, keyCfg)
		c.Next()
	}
}

func caller(c *gin.Context) (string, models.APIKey) {
	key := c.GetString(ctxAPIKey)
	keyCfg, _ := c.Get(ctxKeyConfig)
	cfg, _ := keyCfg.(models.APIKey)
	return key, cfg
}

// writeError renders err in the error envelope and aborts the chain.
func (s *Server) writeError(c *gin.Context, err error) {
	se := models.AsServiceError(err)
	if se.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(se.Status, gin.H{
		"error": gin.H{
			"code":    se.Code,
			"message": se.Message,
			"details": se.Details,
		},
		"timestamp": timestamp(),
		"path":      c.Request.URL.Path,
	})
}

func badRequest(code, message, details string) *models.ServiceError {
	return models.ValidationError(code, models.ErrInvalidParameter, message, details)
}
