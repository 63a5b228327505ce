package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eagled/pkg/keyvault"
	"eagled/pkg/render"
)

const (
	defaultSessionTTL = 24 * time.Hour

	// Continuation requests hold the connection through bundler submission
	// and the receipt wait, so their timeout is far above the default.
	defaultRequestTimeout  = 60 * time.Second
	defaultContinueTimeout = 5 * time.Minute

	nonceRateLimit  = 10
	nonceRateWindow = time.Minute
)

// Sessions is the session-store surface the handlers need.
type Sessions interface {
	Create(ctx context.Context, s Session) (Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (Session, error)
	ActiveForSender(ctx context.Context, sessionAddress, smartWallet common.Address, filter ActiveFilter) (Session, error)
}

// Nonces issues and consumes join nonces.
type Nonces interface {
	Issue(ctx context.Context, purpose string, wallet, vault common.Address) (JoinNonce, error)
	Consume(ctx context.Context, purpose string, wallet, vault common.Address, nonce string) error
}

// WalletVerifier validates a signed join message against the claimed wallet.
type WalletVerifier interface {
	VerifyWalletSignature(ctx context.Context, wallet common.Address, message, sig []byte) (bool, error)
}

// KeySealer encrypts a fresh session-owner key for storage.
type KeySealer interface {
	EncryptKey(key *ecdsa.PrivateKey) ([]byte, error)
}

// Config controls runtime behaviour for the registry handlers.
type Config struct {
	// HMACSecret signs and verifies the deploy-token header pair.
	HMACSecret []byte
	// SessionTTL is the default (and maximum) session lifetime.
	SessionTTL time.Duration
	// CORSOrigins, when set, enables CORS for the dashboard.
	CORSOrigins []string
}

// Registry wires the session-establishment and continuation HTTP surface.
type Registry struct {
	sessions Sessions
	nonces   Nonces
	verifier WalletVerifier
	vault    KeySealer
	renderer *render.Engine
	cont     Continuer
	cfg      Config

	newKey func() (*ecdsa.PrivateKey, error)
	now    func() time.Time
}

// New initialises the registry layer.
func New(sessions Sessions, nonces Nonces, verifier WalletVerifier, vault KeySealer, renderer *render.Engine, cont Continuer, cfg Config) (*Registry, error) {
	if sessions == nil {
		return nil, errors.New("registry: session store is required")
	}
	if nonces == nil {
		return nil, errors.New("registry: nonce issuer is required")
	}
	if verifier == nil {
		return nil, errors.New("registry: signature verifier is required")
	}
	if vault == nil {
		return nil, errors.New("registry: key vault is required")
	}
	if renderer == nil {
		return nil, errors.New("registry: renderer is required")
	}
	if cont == nil {
		return nil, errors.New("registry: continuer is required")
	}
	if len(cfg.HMACSecret) == 0 {
		return nil, errors.New("registry: deploy HMAC secret is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Registry{
		sessions: sessions,
		nonces:   nonces,
		verifier: verifier,
		vault:    vault,
		renderer: renderer,
		cont:     cont,
		cfg:      cfg,
		newKey:   keyvault.GenerateKey,
		now:      time.Now,
	}, nil
}

// Routes constructs the chi router containing all registry endpoints.
func (rg *Registry) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(rg.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rg.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultRequestTimeout))
			r.With(httprate.LimitByIP(nonceRateLimit, nonceRateWindow)).
				Post("/join/nonce", rg.handleJoinNonce)
			r.Post("/sessions", rg.handleCreateSession)
			r.Get("/sessions/{id}", rg.handleGetSession)
			r.Post("/sessions/cancel", rg.handleCancelSession)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultContinueTimeout))
			r.Post("/sessions/continue", rg.handleContinueSession)
			r.Post("/sessions/cleanup", rg.handleCleanupSession)
		})
	})

	return r
}
