// Package api 提供 HTTP 入口：事件接入、Action 提交与确认、告警与审计查询，以及审计实时流。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/service"
)

const maxBodyBytes = 1 << 20

// Server 持有服务门面与可选的存证、审计流组件。
type Server struct {
	cfg    config.ServerConfig
	svc    *service.Service
	log    logger.Logger
	stream *Stream
	proof  http.HandlerFunc
	anchor http.Handler
	ready  func(ctx context.Context) error
}

// NewServer 构造 Server；stream 为 nil 时不提供 /v1/audit/stream。
func NewServer(cfg config.ServerConfig, svc *service.Service, stream *Stream, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{cfg: cfg, svc: svc, stream: stream, log: log}
}

// SetAnchor 挂载存证子路由（/v1/anchor）与单条验真（/v1/audit/proof/{seq}）。
func (s *Server) SetAnchor(routes http.Handler, proof http.HandlerFunc) {
	s.anchor, s.proof = routes, proof
}

// SetReadiness 设置 /readyz 检查；返回错误时 503。
func (s *Server) SetReadiness(fn func(ctx context.Context) error) {
	s.ready = fn
}

// Handler 返回路由，供测试或外部嵌入。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limitBody)
			r.Post("/events/pos", s.handlePosEvent)
			r.Post("/events/camera", s.handleCameraEvent)
			r.Post("/actions", s.handleSubmitAction)
			r.Post("/confirmations/{id}", s.handleConfirm)
			r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
		})
		r.Get("/confirmations", s.handleListConfirmations)
		r.Get("/confirmations/{id}", s.handleGetConfirmation)
		r.Get("/alerts", s.handleOpenAlerts)
		r.Get("/alerts/stats", s.handleAlertStats)
		r.Get("/audit", s.handleAuditSince)
		r.Get("/audit/verify", s.handleAuditVerify)
		if s.proof != nil {
			r.Get("/audit/proof/{seq}", s.proof)
		}
		if s.stream != nil {
			r.Get("/audit/stream", s.stream.ServeHTTP)
		}
		if s.anchor != nil {
			r.Mount("/anchor", s.anchor)
		}
	})
	return r
}

// Serve 监听直到 ctx 取消，随后在 ShutdownTimeout 内优雅关闭。
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if s.stream != nil {
			s.stream.Close()
		}
		_ = server.Shutdown(sctx)
	}()
	s.log.Infof(ctx, "[api] listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// traceMiddleware 透传或生成 X-Trace-ID 并写入日志上下文。
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), traceID)))
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
