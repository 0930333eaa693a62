package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-screen/pkg/core/agent"
	"github.com/vango-go/vai-screen/pkg/core/decisions"
	"github.com/vango-go/vai-screen/pkg/core/panel"
	"github.com/vango-go/vai-screen/pkg/core/providers/openai"
	"github.com/vango-go/vai-screen/pkg/core/speech"
	"github.com/vango-go/vai-screen/pkg/core/speech/aliyun"
	"github.com/vango-go/vai-screen/pkg/core/speech/cartesia"
	"github.com/vango-go/vai-screen/pkg/gateway/channel"
	"github.com/vango-go/vai-screen/pkg/gateway/config"
	"github.com/vango-go/vai-screen/pkg/gateway/handlers"
	"github.com/vango-go/vai-screen/pkg/gateway/metrics"
	"github.com/vango-go/vai-screen/pkg/gateway/mw"
	"github.com/vango-go/vai-screen/pkg/gateway/session"
	"github.com/vango-go/vai-screen/pkg/gateway/tools"
)

const (
	metricsNamespace = "screen"
	redisKeyPrefix   = "screen:decisions"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	hub       *channel.Hub
	decisions *decisions.Registry
	panel     *panel.Dispatcher
	agent     *agent.Loop
	speech    speech.Provider
	redis     *decisions.RedisStore
}

// New builds the process-wide state shared by every connection. It connects
// to redis when a URL is configured and fails if that connection does.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New(metricsNamespace)
	hub := channel.NewHub(channel.Options{
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
		Logger:       logger,
		Dropped:      m.RecordDropped,
	})

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		metrics: m,
		hub:     hub,
	}

	var store decisions.Store = decisions.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := decisions.NewRedisStore(ctx, cfg.RedisURL, redisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("decision store: %w", err)
		}
		s.redis = rs
		store = rs
	}
	s.decisions = decisions.NewRegistry(decisions.Dependencies{
		Store:  store,
		Out:    hub,
		Logger: logger,
	})
	s.panel = panel.NewDispatcher(hub, panel.Options{
		Timeout: cfg.PanelAckTimeout,
		Logger:  logger,
		Observe: m.RecordPanelAck,
	})

	registry, err := tools.New(tools.Deps{
		Panel:      s.panel,
		Decisions:  s.decisions,
		ReportYear: cfg.ReportYear,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	s.agent = &agent.Loop{
		Model:         s.model(),
		Tools:         registry,
		System:        tools.SystemPrompt,
		MaxIterations: cfg.AgentMaxIterations,
		Logger:        logger,
		ObserveTool:   m.RecordToolCall,
	}
	s.speech = s.speechProvider()

	logger.Info("server configured",
		"model", s.modelName(),
		"voice", cfg.VoiceEnabled(),
		"speech_provider", string(cfg.SpeechProvider),
		"decision_store", s.storeName(),
	)

	s.routes()
	return s, nil
}

func (s *Server) model() agent.Model {
	if !s.cfg.ModelEnabled() {
		s.logger.Warn("model api key not configured; replies echo the user message")
		return agent.EchoModel{}
	}
	return openai.New(openai.Config{
		APIKey:      s.cfg.ModelAPIKey,
		BaseURL:     s.cfg.ModelBaseURL,
		Model:       s.cfg.ModelName,
		Temperature: s.cfg.ModelTemperature,
		Timeout:     s.cfg.ModelTimeout,
	})
}

// speechProvider returns nil when voice is not configured; sessions then
// answer voice requests with missing_appkey.
func (s *Server) speechProvider() speech.Provider {
	if !s.cfg.VoiceEnabled() {
		return nil
	}
	switch s.cfg.SpeechProvider {
	case config.SpeechCartesia:
		return cartesia.New(s.cfg.CartesiaAPIKey, s.logger)
	default:
		tokens := aliyun.NewCachedTokenSource(aliyun.SDKFetcher{
			AccessKeyID:     s.cfg.AliyunAccessKeyID,
			AccessKeySecret: s.cfg.AliyunAccessKeySecret,
		}, s.logger)
		return &aliyun.Provider{
			URL:             s.cfg.NLSURL,
			AppKey:          s.cfg.NLSAppKey,
			Tokens:          tokens,
			VocabularyID:    s.cfg.NLSVocabularyID,
			CustomizationID: s.cfg.NLSCustomizationID,
			Logger:          s.logger,
		}
	}
}

func (s *Server) modelName() string {
	if !s.cfg.ModelEnabled() {
		return "echo"
	}
	if s.cfg.ModelName == "" {
		return openai.DefaultModel
	}
	return s.cfg.ModelName
}

func (s *Server) storeName() string {
	if s.redis != nil {
		return "redis"
	}
	return "memory"
}

func (s *Server) routes() {
	ready := handlers.ReadyHandler{
		ModelEnabled:   s.cfg.ModelEnabled(),
		ModelName:      s.modelName(),
		VoiceEnabled:   s.speech != nil,
		SpeechProvider: string(s.cfg.SpeechProvider),
		DecisionStore:  s.storeName(),
		Draining:       s.hub.IsDraining,
		Connections:    s.hub.Count,
	}
	if s.redis != nil {
		ready.PingStore = s.redis.Ping
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", ready)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle(s.cfg.SocketPath, handlers.SocketHandler{
		Hub:            s.hub,
		AllowedOrigins: s.cfg.AllowedOrigins,
		NewSession:     s.newSession,
		Logger:         s.logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) newSession(conn *channel.Conn) (handlers.Runner, error) {
	return session.New(session.Dependencies{
		Conn:          conn,
		Decisions:     s.decisions,
		Panel:         s.panel,
		Agent:         s.agent,
		Speech:        s.speech,
		SpeechOptions: speech.DefaultOptions(),
		DedupWindow:   s.cfg.VoiceDedupWindow,
		SpeechVerbose: s.cfg.SpeechVerbose,
		Advisory:      s.cfg.Advisory,
		Logger:        s.logger,
		Metrics:       s.metrics,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = s.metrics.Middleware(h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Warm fetches the first speech token ahead of the first voice session.
func (s *Server) Warm(ctx context.Context) {
	p, ok := s.speech.(*aliyun.Provider)
	if !ok {
		return
	}
	cached, ok := p.Tokens.(*aliyun.CachedTokenSource)
	if !ok {
		return
	}
	cached.Warm(ctx)
}

// Drain stops accepting sockets, warns connected clients, and closes whatever
// is still open once grace elapses. It reports whether every session ended
// before ctx did.
func (s *Server) Drain(ctx context.Context, grace time.Duration) bool {
	s.hub.SetDraining(true)
	n := s.hub.WarnAll("draining", "server is restarting")
	s.logger.Info("draining connections", "connections", n, "grace", grace)

	if n > 0 && grace > 0 {
		graceCtx, cancel := context.WithTimeout(ctx, grace)
		done := s.hub.Wait(graceCtx)
		cancel()
		if done {
			return true
		}
	}
	closed := s.hub.CloseAll()
	s.logger.Info("closing remaining connections", "connections", closed)
	return s.hub.Wait(ctx)
}

// Close releases external connections.
func (s *Server) Close() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("redis close failed", "error", err)
	}
}
