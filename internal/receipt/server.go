package receipt

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/zombor/receipt-splitter/internal/auth"
)

// IdentityResolver finds the authenticated user behind a request
type IdentityResolver interface {
	Resolve(r *http.Request) (*auth.Identity, error)
}

// Server handles HTTP requests for receipts
type Server struct {
	service       *Service
	resolvers     []IdentityResolver
	sessions      *auth.SessionManager
	authenticator auth.Authenticator
	validate      *validator.Validate
	mux           *http.ServeMux
}

// ServerConfig selects how callers are identified. Any configured method
// may identify a request.
type ServerConfig struct {
	BasicAuth     BasicAuth
	Sessions      *auth.SessionManager
	Authenticator auth.Authenticator
}

// BasicAuth holds the credentials of a single trusted user
type BasicAuth struct {
	Username string
	Password string
}

func (b BasicAuth) configured() bool {
	return b.Username != "" || b.Password != ""
}

// Resolve identifies the request as the basic auth user
func (b BasicAuth) Resolve(r *http.Request) (*auth.Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return nil, auth.ErrMissingToken
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return nil, auth.ErrInvalidToken
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 ||
		subtle.ConstantTimeCompare([]byte(credentials[0]), []byte(b.Username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(credentials[1]), []byte(b.Password)) != 1 {
		return nil, auth.ErrInvalidToken
	}

	return &auth.Identity{UserID: "basic:" + b.Username, Username: b.Username}, nil
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, config ServerConfig) *Server {
	return NewServerWithMux(service, config, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, config ServerConfig, mux *http.ServeMux) *Server {
	s := &Server{
		service:       service,
		sessions:      config.Sessions,
		authenticator: config.Authenticator,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		mux:           mux,
	}
	if config.Sessions != nil {
		s.resolvers = append(s.resolvers, config.Sessions)
	}
	if config.BasicAuth.configured() {
		s.resolvers = append(s.resolvers, config.BasicAuth)
	}
	s.registerRoutes()
	return s
}

// localIdentity owns everything when no authentication is configured
var localIdentity = &auth.Identity{UserID: "local", Username: "local"}

// identify runs the configured resolvers in order
func (s *Server) identify(r *http.Request) (*auth.Identity, error) {
	if len(s.resolvers) == 0 {
		return localIdentity, nil
	}

	err := auth.ErrMissingToken
	for _, resolver := range s.resolvers {
		identity, resolveErr := resolver.Resolve(r)
		if resolveErr == nil {
			return identity, nil
		}
		if !errors.Is(resolveErr, auth.ErrMissingToken) {
			err = resolveErr
		}
	}
	return nil, err
}

type identityKey struct{}

func identityFrom(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey{}).(*auth.Identity)
	return identity
}

// requireAuth rejects requests no resolver can identify
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identify(r)
		if err != nil {
			if len(s.resolvers) == 1 && s.sessions == nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Splitter"`)
			}
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

// corsMiddleware adds CORS headers to every response and answers preflights
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	if s.authenticator != nil && s.sessions != nil {
		s.mux.HandleFunc("POST /auth/telegram", s.handleTelegramLogin)
	}

	s.mux.HandleFunc("GET /receipts/{id}/image", s.requireAuth(s.handleGetReceiptImage))
	s.mux.HandleFunc("GET /receipts/{id}/settlement", s.requireAuth(s.handleGetSettlement))
	s.mux.HandleFunc("POST /receipts/{id}/split", s.requireAuth(s.handleSplitReceipt))
	s.mux.HandleFunc("POST /receipts/{id}/share", s.requireAuth(s.handleShareReceipt))
	s.mux.HandleFunc("GET /receipts/{id}/shares", s.requireAuth(s.handleListShares))
	s.mux.HandleFunc("GET /receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("PUT /receipts/{id}", s.requireAuth(s.handleUpdateReceipt))
	s.mux.HandleFunc("GET /receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /receipts", s.requireAuth(s.handleUploadReceipt))
}

// Start serves HTTP/1.1 and cleartext HTTP/2 on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}
