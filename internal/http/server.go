package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmledger/internal/auth"
	"farmledger/internal/cache"
	"farmledger/internal/core"
	"farmledger/internal/ledger"
)

// LedgerAPI is the service surface the handlers call.
type LedgerAPI interface {
	Transactions(ctx context.Context) ([]core.Transaction, bool, error)
	AddTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error

	Categories(ctx context.Context) ([]string, error)
	AddCategory(ctx context.Context, name string) error

	Users(ctx context.Context) ([]core.User, error)
	AddUser(ctx context.Context, u core.User) error
	DeleteUser(ctx context.Context, username, actor string) error

	CloseLedger(ctx context.Context, batchName string) (ledger.CloseResult, error)
	ArchivedBatches(ctx context.Context) ([]string, error)
	ArchivedTransactions(ctx context.Context, batch string) ([]core.Transaction, error)

	Summary(ctx context.Context) (core.Summary, bool, error)
	MonthlySeries(ctx context.Context) ([]core.MonthlyTotal, bool, error)
}

// SessionAuth issues and verifies login tokens.
type SessionAuth interface {
	Login(ctx context.Context, username, password string) (string, core.User, error)
	Verify(token string) (*auth.Claims, error)
}

// Advisor produces a language-model analysis of a transaction collection.
// Nil disables the advisor endpoints.
type Advisor interface {
	Analyze(ctx context.Context, txs []core.Transaction, question string) (string, error)
}

type Server struct {
	http.Server
	svc         LedgerAPI
	auth        SessionAuth
	advisor     Advisor
	rateLimiter *rateLimiter

	// dashboard responses are cheap to cache and expensive to recompute
	// against the remote backend
	summaryCache *cache.TTL[summaryResponse]
	monthlyCache *cache.TTL[monthlyResponse]

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, svc LedgerAPI, sessions SessionAuth, advisor Advisor) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		svc:          svc,
		auth:         sessions,
		advisor:      advisor,
		rateLimiter:  newRateLimiter(60),
		summaryCache: cache.NewTTL[summaryResponse](30 * time.Second),
		monthlyCache: cache.NewTTL[monthlyResponse](30 * time.Second),
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /api/login", s.wrap(s.handleLogin))

	mux.HandleFunc("GET /api/transactions", s.wrap(s.authed(s.handleListTransactions)))
	mux.HandleFunc("POST /api/transactions", s.wrap(s.authed(s.handleCreateTransaction)))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.wrap(s.authed(s.handleDeleteTransaction)))

	mux.HandleFunc("GET /api/categories", s.wrap(s.authed(s.handleListCategories)))
	mux.HandleFunc("POST /api/categories", s.wrap(s.authed(s.handleCreateCategory)))

	mux.HandleFunc("GET /api/users", s.wrap(s.admin(s.handleListUsers)))
	mux.HandleFunc("POST /api/users", s.wrap(s.admin(s.handleCreateUser)))
	mux.HandleFunc("DELETE /api/users/{username}", s.wrap(s.admin(s.handleDeleteUser)))

	mux.HandleFunc("GET /api/dashboard/summary", s.wrap(s.authed(s.handleSummary)))
	mux.HandleFunc("GET /api/dashboard/monthly", s.wrap(s.authed(s.handleMonthly)))

	mux.HandleFunc("POST /api/advisor", s.wrap(s.authed(s.handleAdvisor)))

	mux.HandleFunc("GET /api/archives", s.wrap(s.authed(s.handleListArchives)))
	mux.HandleFunc("GET /api/archives/{batch}", s.wrap(s.authed(s.handleArchiveTransactions)))
	mux.HandleFunc("POST /api/ledger/close", s.wrap(s.admin(s.handleCloseLedger)))

	return s
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// wrap adds security headers, rate limiting and request logging.
func (s *Server) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := extractClientIP(r)
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded",
				"client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", clientIP)
	}
}

// authed requires a valid session token and stores its claims in the context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Verify(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// admin requires an admin session.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		if claims := claimsFrom(r.Context()); claims == nil || claims.Role != core.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
