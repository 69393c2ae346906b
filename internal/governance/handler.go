package governance

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"livenessd/internal/store"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "Human Presence Trust Backend"

// maxBodyBytes bounds an evaluation request.
const maxBodyBytes = 1 << 20

// DecisionReader lists and verifies recorded decisions.
// *store.DecisionLog implements it.
type DecisionReader interface {
	List(ctx context.Context, sessionID string, limit int) ([]store.DecisionRecord, error)
	Report(ctx context.Context) store.VerifyReport
}

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	CORSOrigins []string
	Decisions   DecisionReader
	Metrics     http.Handler
}

// NewHandler builds the gin engine serving the governance API.
func NewHandler(svc *Service, cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "User-Agent", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
	})

	r.POST("/evaluate", func(c *gin.Context) {
		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": err.Error()})
			return
		}
		d, err := svc.Decide(c.Request.Context(), raw)
		if errors.Is(err, ErrInvalidPayload) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
			return
		}
		if err != nil {
			svc.logger.Error("evaluate", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "decision could not be recorded"})
			return
		}
		c.JSON(http.StatusOK, d)
	})

	if cfg.Decisions != nil {
		r.GET("/decisions", func(c *gin.Context) {
			limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
			if err != nil || limit < 1 || limit > 1000 {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be between 1 and 1000"})
				return
			}
			recs, err := cfg.Decisions.List(c.Request.Context(), c.Query("session_id"), limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"decisions": recs})
		})

		r.GET("/decisions/verify", func(c *gin.Context) {
			rep := cfg.Decisions.Report(c.Request.Context())
			code := http.StatusOK
			if !rep.OK {
				code = http.StatusConflict
			}
			c.JSON(code, rep)
		})
	}

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	return r
}
