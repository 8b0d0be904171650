package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/chatr4661-cell/chatr-sub007/internal/metrics"
	"github.com/chatr4661-cell/chatr-sub007/internal/push"
	"github.com/chatr4661-cell/chatr-sub007/internal/store"
	"github.com/chatr4661-cell/chatr-sub007/internal/transport"
	"github.com/chatr4661-cell/chatr-sub007/internal/turnrest"
)

const wsWriteWait = 1 * time.Second

// Config holds the relay's endpoint hardening and WebRTC settings.
type Config struct {
	// AuthSecret signs the HMAC bearer tokens. Empty disables auth
	// (development only: identity comes from the user query parameter).
	AuthSecret string

	ICEServers []webrtc.ICEServer

	// TurnURLs are advertised with ephemeral TURN REST credentials on the
	// ICE config endpoint when a generator is wired in.
	TurnURLs []string

	MaxMessageBytes   int64
	MessagesPerSecond int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server hosts the signal transport endpoints and the push-target API.
type Server struct {
	cfg     Config
	log     *slog.Logger
	store   store.Store
	targets push.TargetRegistry
	hub     *hub
	turn    *turnrest.Generator
	metrics *metrics.Metrics

	api      *webrtc.API
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, st store.Store, targets push.TargetRegistry) (*Server, error) {
	cfg = cfg.withDefaults()
	if st == nil || targets == nil {
		return nil, fmt.Errorf("relay server requires a store and a target registry")
	}
	se := webrtc.SettingEngine{LoggerFactory: transport.NewPionLoggerFactory(cfg.Logger)}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		store:   st,
		targets: targets,
		hub:     newHub(),
		metrics: metrics.New(),
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Routes builds the gin engine. Logging goes through slog; gin's own writer
// stays silent.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// WebSocket endpoints authenticate inline so failures can be reported
	// as close frames after the upgrade.
	r.GET("/ws/signals", s.handleSignals)
	r.GET("/rtc/transport", s.handleRTCTransport)

	r.GET("/rtc/ice", requireAuth(s.cfg.AuthSecret), s.handleICEConfig)

	targets := r.Group("/push", requireAuth(s.cfg.AuthSecret))
	targets.PUT("/targets", s.handlePutTarget)
	targets.DELETE("/targets", s.handleDeleteTarget)

	r.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(s.metrics)))

	return r
}

// SetTURNGenerator enables ephemeral TURN credentials on /rtc/ice.
func (s *Server) SetTURNGenerator(g *turnrest.Generator) { s.turn = g }

// Metrics exposes the relay's counters, mainly for the daemon and tests.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) turnCredentials(callID string) (turnrest.Credentials, error) {
	if callID != "" {
		return s.turn.Generate(callID)
	}
	return s.turn.GenerateRandom()
}

type putTargetRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

func (s *Server) handlePutTarget(c *gin.Context) {
	var req putTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	user := authedUser(c)
	target := push.Target{Token: req.Token, Platform: req.Platform, LastUsed: time.Now().UTC()}
	if err := s.targets.Save(c.Request.Context(), user, target); err != nil {
		s.log.Error("push target save failed", "user", user, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteTarget(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	user := authedUser(c)
	if err := s.targets.Invalidate(c.Request.Context(), user, token); err != nil {
		s.log.Error("push target delete failed", "user", user, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// upgradeAuthed authenticates, validates the call parameter and upgrades.
func (s *Server) upgradeAuthed(c *gin.Context) (conn *websocket.Conn, callID, user string, ok bool) {
	user, err := authenticate(c.Request, s.cfg.AuthSecret)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return nil, "", "", false
	}
	callID = c.Query("call")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call is required"})
		return nil, "", "", false
	}
	conn, err = s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return nil, "", "", false
	}
	return conn, callID, user, true
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
