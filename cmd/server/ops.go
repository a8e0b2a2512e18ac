package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/model"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type sessionLister interface {
	Sessions() []model.SessionInfo
}

type tokenVerifier interface {
	Verify(raw string) (uuid.UUID, error)
}

// opsRouter serves metrics, health checks, a session summary and the event websocket.
func opsRouter(ws http.Handler, db execer, sessions sessionLister, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := db.Exec(ctx, "SELECT 1"); err != nil {
			log.Warn("readiness: database", zap.Error(err))
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		byState := make(map[model.SessionState]int)
		idle := 0
		for _, s := range sessions.Sessions() {
			byState[s.State]++
			if s.Idle {
				idle++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"states": byState, "idle": idle})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws.ServeHTTP)
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("dur", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// wsAuthenticator accepts a bearer header or, for browsers that cannot set headers on
// websocket upgrades, an access_token query parameter.
func wsAuthenticator(tokens tokenVerifier) events.Authenticator {
	return func(r *http.Request) (uuid.UUID, error) {
		raw := ""
		if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			raw = strings.TrimSpace(h[7:])
		}
		if raw == "" {
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			return uuid.Nil, errors.Join(errs.ErrUnauthorized, errors.New("missing token"))
		}
		return tokens.Verify(raw)
	}
}
