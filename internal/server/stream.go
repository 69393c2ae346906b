package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"livenessd/internal/frame"
	"livenessd/internal/pipeline"
)

// pushed lists the session events forwarded to the streaming client.
var pushed = []pipeline.EventType{
	pipeline.EventScore,
	pipeline.EventPending,
	pipeline.EventEvaluation,
	pipeline.EventStreamChanged,
	pipeline.EventState,
}

// originPatterns converts CORS origins into the host patterns the
// WebSocket handshake checks.
func originPatterns(origins []string) []string {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		} else {
			out = append(out, o)
		}
	}
	return out
}

// streamFrames accepts binary frames on a WebSocket and feeds them to the
// session's source. Score events are pushed back as JSON text messages.
// A clean close ends the stream; any other read failure is an acquisition
// failure for the session.
func (s *Server) streamFrames(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	src, ok := sess.Source().(*frame.ChanSource)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "session does not accept pushed frames"})
		return
	}
	if sess.State().Terminal() {
		abort(c, pipeline.ErrSessionStopped)
		return
	}

	ip := c.ClientIP()
	if !s.conns.Acquire(ip) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many streams"})
		return
	}
	defer s.conns.Release(ip)

	if !s.attach(sess.ID()) {
		c.JSON(http.StatusConflict, gin.H{"error": "a stream is already attached to this session"})
		return
	}
	defer s.detach(sess.ID())

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.CORSOrigins),
	})
	if err != nil {
		s.log.Warn("websocket handshake failed", "session_id", sess.ID(), "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := s.log.With("session_id", sess.ID())
	log.Info("frame stream attached", "client", ip)

	events, unsubscribe := sess.Subscribe(pipeline.DefaultSubscriberBuffer)
	defer unsubscribe()

	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		defer cancel()
		s.push(ctx, conn, events)
	}()

	status, reason := s.ingest(ctx, conn, src)
	cancel()
	<-pushDone
	conn.Close(status, reason)
	log.Info("frame stream detached", "reason", reason)
}

// ingest reads frames until the connection or the source ends.
func (s *Server) ingest(ctx context.Context, conn *websocket.Conn, src *frame.ChanSource) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				src.Close()
				return websocket.StatusNormalClosure, "stream ended"
			}
			if ctx.Err() != nil {
				return websocket.StatusNormalClosure, "session closed"
			}
			src.Fail(err)
			return websocket.StatusInternalError, "read failed"
		}
		if typ != websocket.MessageBinary {
			continue
		}

		f, err := frame.DecodeWire(data)
		if err != nil {
			s.log.Debug("malformed frame message", "error", err)
			if s.metrics != nil {
				s.metrics.RecordDroppedFrame()
			}
			continue
		}
		accepted, err := src.Publish(f)
		if errors.Is(err, frame.ErrSourceClosed) {
			return websocket.StatusNormalClosure, "session closed"
		}
		if !accepted && s.metrics != nil {
			s.metrics.RecordDroppedFrame()
		}
	}
}

// push forwards session events until the session ends or ctx is done.
func (s *Server) push(ctx context.Context, conn *websocket.Conn, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !slices.Contains(pushed, e.Type) {
				continue
			}
			if e.Err != nil && e.Error == "" {
				e.Error = e.Err.Error()
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout())
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				return
			}
			if e.Type == pipeline.EventState && e.State.Terminal() {
				return
			}
		}
	}
}
