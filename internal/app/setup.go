// Package app contains the application setup for the economy service.
package app

import (
	"log/slog"
	"net/http"

	"github.com/bkyung/gameshop/internal/config"
	"github.com/bkyung/gameshop/internal/service"
	"github.com/bkyung/gameshop/internal/store"
	"github.com/bkyung/gameshop/internal/transport/rest"
	"github.com/bkyung/gameshop/pkg/server"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Dependencies struct {
	EconomyService service.EconomyService
	Logger         *slog.Logger
}

func SetupDependencies(dbPool *pgxpool.Pool, logger *slog.Logger) *Dependencies {
	eService := service.NewService(store.NewPgStore(dbPool), logger)

	return &Dependencies{
		EconomyService: eService,
		Logger:         logger,
	}
}

// SetupHttpHandler initializes the HTTP routes for the economy service.
// Used by E2E tests to set up the HTTP server with the necessary routes and middleware.
func SetupHttpHandler(deps *Dependencies) http.Handler {
	mux := server.NewChiRouter(deps.Logger)
	wireRoutes(mux, deps)
	return mux
}

// wireRoutes sets up the HTTP routes for the economy service.
func wireRoutes(mux *chi.Mux, deps *Dependencies) {
	economyHandler := rest.NewHandler(deps.EconomyService, deps.Logger)
	economyHandler.RegisterRoutes(mux)
}

// SetupHttpServer creates and configures an HTTP server for the economy service.
func SetupHttpServer(deps *Dependencies, cfg *config.Config) *http.Server {

	mux := SetupHttpHandler(deps)

	httpCfg := server.HTTPConfig{
		Port:           cfg.HTTPServer.Port,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		ReadTimeout:    cfg.HTTPServer.Timeout.Read,
		WriteTimeout:   cfg.HTTPServer.Timeout.Write,
		IdleTimeout:    cfg.HTTPServer.Timeout.Idle,
		ReadHeader:     cfg.HTTPServer.Timeout.ReadHeader,
	}

	return server.NewHTTPServer(httpCfg, mux)
}

// SetupGrpcServer creates the gRPC server exposing the health service
// used by orchestration probes.
func SetupGrpcServer(cfg *config.Config) *grpc.Server {
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return server.NewGRPCServer(cfg.GRPCServer.ReflectionEnabled, func(s *grpc.Server) {
		healthpb.RegisterHealthServer(s, healthServer)
	})
}
