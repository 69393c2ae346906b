package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"livenessd/internal/frame"
	"livenessd/internal/pipeline"
	"livenessd/internal/probe"
	"livenessd/internal/score"
	"livenessd/internal/timing"
)

// timingReport is a frame-timing measurement taken by the client.
type timingReport struct {
	CurrentFPS      float64 `json:"current_fps" validate:"gte=0,lte=1000"`
	AvgFPS          float64 `json:"avg_fps" validate:"gte=0,lte=1000"`
	JitterMs        float64 `json:"jitter_ms" validate:"gte=0,lte=10000"`
	AnomalyDetected bool    `json:"anomaly_detected"`
	FrameCount      uint64  `json:"frame_count"`
}

func (s *Server) routes(metricsPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery(), requestID(), s.accessLog())

	r.Use(cors.New(corsConfig(s.cfg.CORSOrigins)))

	r.GET("/livez", gin.WrapH(s.health.LivenessHandler()))
	r.GET("/readyz", gin.WrapH(s.health.ReadinessHandler()))
	r.GET("/healthz", gin.WrapH(s.health.HealthHandler()))
	if metricsPath != "" && s.metrics != nil {
		h := s.metrics.Registry().HTTPHandler()
		r.GET(metricsPath, func(c *gin.Context) {
			s.metrics.UpdateUptime()
			h.ServeHTTP(c.Writer, c.Request)
		})
	}

	v1 := r.Group("/v1", s.rateLimit())
	v1.GET("/weights", s.getWeights)
	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.createSession)

	sess := v1.Group("/sessions/:id", validSessionID())
	sess.DELETE("", s.deleteSession)
	sess.GET("/frames", s.streamFrames)
	sess.POST("/probes/device", s.submitDevice)
	sess.POST("/probes/environment", s.submitEnvironment)
	sess.POST("/probes/timing", s.submitTiming)
	sess.POST("/neural", s.submitNeural)
	sess.GET("/score", s.getScore)
	sess.GET("/snapshots", s.getSnapshots)
	sess.POST("/evaluate", s.evaluate)
	sess.GET("/evaluation", s.getEvaluation)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:    []string{"GET", "POST", "DELETE"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders:   []string{"Content-Length", requestIDHeader},
		AllowWildcard:   true,
		AllowWebSockets: true,
		MaxAge:          12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// abort maps pipeline errors onto HTTP statuses.
func abort(c *gin.Context, err error) {
	var pending *score.PendingError
	switch {
	case errors.As(err, &pending):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "score pending", "missing": pending.Missing})
	case errors.Is(err, score.ErrPending):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "score pending"})
	case errors.Is(err, pipeline.ErrSessionNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, pipeline.ErrSessionStopped):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "session stopped"})
	case errors.Is(err, pipeline.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrTooManySessions), errors.Is(err, pipeline.ErrNoEvaluator):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) session(c *gin.Context) (*pipeline.Session, bool) {
	sess, err := s.manager.Get(c.Param("id"))
	if err != nil {
		abort(c, err)
		return nil, false
	}
	return sess, true
}

// bind decodes and validates a JSON body into v.
func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": describe(err)})
		return false
	}
	return true
}

func (s *Server) getWeights(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Weights())
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.manager.List()})
}

func (s *Server) createSession(c *gin.Context) {
	src := frame.NewChanSource(s.manager.Config().FrameQueueDepth)
	// Sessions belong to the manager, not to this request.
	sess, err := s.manager.Create(context.Background(), "", src)
	if err != nil {
		src.Close()
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":     sess.ID(),
		"state":  sess.State(),
		"frames": "/v1/sessions/" + sess.ID() + "/frames",
	})
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.manager.Remove(c.Param("id")); err != nil && errors.Is(err, pipeline.ErrSessionNotFound) {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) submitDevice(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var r probe.DeviceReport
	if !s.bind(c, &r) {
		return
	}
	c.JSON(http.StatusOK, sess.SubmitDevice(r))
}

func (s *Server) submitEnvironment(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var r probe.EnvironmentReport
	if !s.bind(c, &r) {
		return
	}
	c.JSON(http.StatusOK, sess.SubmitEnvironment(r))
}

func (s *Server) submitTiming(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var r timingReport
	if !s.bind(c, &r) {
		return
	}
	snap := timing.Snapshot{
		CurrentFPS:      r.CurrentFPS,
		AvgFPS:          r.AvgFPS,
		JitterMs:        r.JitterMs,
		AnomalyDetected: r.AnomalyDetected,
		FrameCount:      r.FrameCount,
	}
	sess.SubmitTiming(snap)
	c.Status(http.StatusNoContent)
}

func (s *Server) submitNeural(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var obs score.NeuralObservation
	if !s.bind(c, &obs) {
		return
	}
	c.JSON(http.StatusOK, sess.SubmitNeural(obs))
}

func (s *Server) getScore(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	res, err := sess.Score()
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSnapshots(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Snapshots())
}

func (s *Server) evaluate(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	o, err := sess.Evaluate(nil)
	if err != nil {
		abort(c, err)
		return
	}
	c.Header("Location", "/v1/sessions/"+sess.ID()+"/evaluation")
	c.JSON(http.StatusAccepted, o)
}

func (s *Server) getEvaluation(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	o, found := sess.Evaluation()
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no evaluation requested"})
		return
	}
	c.JSON(http.StatusOK, o)
}
