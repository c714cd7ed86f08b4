// Package httpapi реализует HTTP-вход магазина: оформление заказа, callback платёжного
// шлюза и чтение статуса заказа для страницы возврата.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/service/checkout"
	"github.com/vladislavdragonenkov/keyshop/internal/service/fulfillment"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxBodyBytes   = 1 << 20
	defaultRateLimitRPS   = 10
	defaultRateLimitBurst = 20
	defaultIdempotencyTTL = 24 * time.Hour
)

// CheckoutService оформляет заказ и выставляет счёт.
type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Response, error)
}

// CallbackProcessor исполняет заказ по подтверждённой оплате.
type CallbackProcessor interface {
	HandleCallback(ctx context.Context, cb domain.PaymentCallback) (fulfillment.Result, error)
}

// SignatureVerifier проверяет подпись сырого тела callback-а.
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

// Config: ограничения HTTP-слоя.
type Config struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// RateLimitRPS и RateLimitBurst ограничивают запросы с одного IP
	// к checkout и callback.
	RateLimitRPS   float64
	RateLimitBurst int
	IdempotencyTTL time.Duration
	// SignatureHeader: заголовок с HMAC подписью callback-а.
	SignatureHeader string
}

// Deps: зависимости обработчиков. Idempotency может быть nil.
type Deps struct {
	Checkout    CheckoutService
	Callbacks   CallbackProcessor
	Verifier    SignatureVerifier
	Orders      domain.OrderRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
	Logger      *log.Entry
}

// Server собирает маршруты и обработчики.
type Server struct {
	deps     Deps
	cfg      Config
	validate *validator.Validate
	limiter  *ipRateLimiter
	logger   *log.Entry
	clock    func() time.Time
}

// NewServer создаёт HTTP-слой с дефолтами для незаданных ограничений.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = paygate.SignatureHeader
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}

	return &Server{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter:  newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Routes возвращает корневой обработчик с middleware и трассировкой.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.With(s.limiter.Middleware).Post("/checkout", s.handleCheckout)
		r.With(s.limiter.Middleware).Post("/payments/callback", s.handleCallback)
		r.Get("/orders/{orderID}", s.handleGetOrder)
	})

	return otelhttp.NewHandler(r, "keyshop.http")
}
