package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/market2agent/internal/console/handler"
	"github.com/xela07ax/market2agent/internal/infra"
	"github.com/xela07ax/market2agent/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler    *handler.AuthHandler    // /auth/token
	agentHandler   *handler.AgentHandler   // /v1/agents
	billingHandler *handler.BillingHandler // /v1/billing/webhook
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	billingH *handler.BillingHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:         chi.NewRouter(),
		logger:         logger.Named("console-api"),
		cfg:            cfg,
		authValidator:  validator,
		authHandler:    authH,
		agentHandler:   agentH,
		billingHandler: billingH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Вебхук защищен не токеном, а раздельным секретом
		r.Post("/v1/billing/webhook", s.billingHandler.Webhook)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		// Подключаем универсальный Middleware только для этой группы
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Личный кабинет владельца подписки
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/me", s.agentHandler.Me)              // Агенты + домены + история запусков
			r.Get("/me/status", s.agentHandler.MeStatus) // Легковесный поллинг состояния
		})

		// Админские операции над жизненным циклом
		r.Route("/v1/admin/agents", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Get("/", s.agentHandler.List) // Все агенты платформы
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/stop", s.agentHandler.Stop)     // Принудительная остановка
				r.Post("/start", s.agentHandler.Start)   // Рестарт из errored
				r.Post("/resync", s.agentHandler.Resync) // Пересборка снапшота доменов
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
