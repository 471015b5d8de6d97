package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/backend"
	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/internal/csp"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
)

const backendClientKey = "csp_backend_client"

// tokenRequest is the Tokens POST body. Credentials may arrive here
// instead of the headers.
type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ArrayIP  string `json:"array_ip"`
}

// TokenMiddleware extracts credentials, builds the request's backend
// client and verifies it with core/ping before any handler runs. The
// Tokens DELETE route is exempt: releasing a token never needs one.
func TokenMiddleware(cfg *config.Config, logger *logging.Logger, recorder backend.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodDelete &&
			strings.HasPrefix(c.FullPath(), "/containers/v1/tokens/") {
			c.Next()
			return
		}

		var token, array string

		if c.Request.Method == http.MethodPost && c.FullPath() == "/containers/v1/tokens" {
			var body tokenRequest
			if err := c.ShouldBindJSON(&body); err == nil {
				token = body.Password
				array = body.ArrayIP
				c.Set("csp_token_request", &body)
			}
		}

		if token == "" {
			token = c.GetHeader("X-Auth-Token")
		}
		if array == "" {
			array = c.GetHeader("X-Array-IP")
		}

		if token == "" {
			writeError(c, logger, csp.NewError("Missing token", http.StatusUnauthorized,
				"Missing x-auth-token in header or password in Tokens request"))
			c.Abort()
			return
		}

		if array == "" {
			writeError(c, logger, csp.NewError("Missing backend array IP", http.StatusBadRequest,
				"Missing x-array-ip in header or array_ip in Tokens request"))
			c.Abort()
			return
		}

		backendLogger := &logging.Logger{Logger: logger.WithComponent("backend")}
		client := backend.NewClient(array, token, &cfg.Backend, backendLogger, recorder)

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Server.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		if err := client.Ping(ctx); err != nil {
			logger.Info("Backend authentication failed",
				zap.String("array", array),
				zap.String("error", logging.Redact(err.Error(), token)))
			writeError(c, logger, csp.NewError("Authentication failed", http.StatusUnauthorized,
				"Unable to authenticate with provided credentials"))
			c.Abort()
			return
		}

		logger.Debug("Backend authenticated",
			zap.String("array", array),
			zap.String("method", c.Request.Method),
			zap.String("uri", c.Request.URL.Path))

		c.Set(backendClientKey, client)
		c.Next()
	}
}

func clientFrom(c *gin.Context) *backend.Client {
	client, _ := c.MustGet(backendClientKey).(*backend.Client)
	return client
}

// errorBody is the CSP error wire shape.
type errorBody struct {
	Errors []errorItem `json:"errors"`
}

type errorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError shapes any failure into the CSP error body. Unclassified
// errors surface as Exception and are logged with a stack trace.
func writeError(c *gin.Context, logger *logging.Logger, err error) {
	var cspErr *csp.Error
	if !errors.As(err, &cspErr) {
		cspErr = csp.NewError("Exception", http.StatusInternalServerError, "%s", err.Error())
	}

	logger.Error(cspErr.Code,
		zap.String("message", cspErr.Message),
		zap.Int("status", cspErr.Status))

	c.JSON(cspErr.Status, errorBody{
		Errors: []errorItem{{Code: cspErr.Code, Message: cspErr.Message}},
	})
}
