package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/x402labs/mintgate/internal/proof"
	"github.com/x402labs/mintgate/internal/verify"
)

// Header carrying the settlement receipt on successful responses.
const HeaderPaymentResponse = "X-Payment-Response"

// NewRouter builds the gin engine with all routes registered.
func NewRouter(engine *Engine, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/mint", handleMint(engine))
	router.POST("/mint", handleMint(engine))
	router.GET("/supported", handleSupported(engine))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// handleMint is the single gated action: it maps engine outcomes onto the
// x402 HTTP surface.
func handleMint(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := engine.Handle(
			c.Request.Context(),
			c.GetHeader(proof.HeaderPayment),
			c.GetHeader(proof.HeaderTypedData),
		)

		switch resp.Outcome {
		case OutcomeChallenge:
			c.JSON(http.StatusPaymentRequired, resp.Challenge)

		case OutcomeRejected:
			c.JSON(rejectionStatus(resp.Code), gin.H{
				"success":     false,
				"error":       resp.Code,
				"message":     resp.Message,
				"accepts":     resp.Challenge.Accepts,
				"x402Version": x402Version,
			})

		case OutcomeSettled:
			record := resp.Record
			c.Header(HeaderPaymentResponse, record.MintTx)
			c.JSON(http.StatusOK, gin.H{
				"success":            true,
				"mintTransaction":    record.MintTx,
				"paymentTransaction": record.SettlementTx,
				"recipient":          record.Payer,
				"amount":             record.Amount,
				"network":            record.Network,
				"timestamp":          record.Timestamp.Format(time.RFC3339),
			})
		}
	}
}

// handleSupported advertises the accepted payment kind for discovery.
func handleSupported(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge := engine.BuildChallenge("")
		c.JSON(http.StatusOK, gin.H{
			"kinds": []gin.H{{
				"x402Version": x402Version,
				"scheme":      SchemeExact,
				"network":     challenge.Accepts[0].Network,
			}},
		})
	}
}

// rejectionStatus maps rejection codes to HTTP statuses. Payment-shaped
// failures stay 402 so clients keep the challenge loop; concurrent
// duplicates get 409; infrastructure failures get 503.
func rejectionStatus(code string) int {
	switch code {
	case CodeAlreadyProcessing:
		return http.StatusConflict
	case CodeStoreUnavailable, verify.CodeChainUnavailable:
		return http.StatusServiceUnavailable
	case proof.CodeMalformedProof, proof.CodeUnrecognizedFormat:
		return http.StatusBadRequest
	default:
		return http.StatusPaymentRequired
	}
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		c.Header("X-Request-Id", requestID)

		started := time.Now()
		c.Next()

		logger.Info("request",
			"id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}
