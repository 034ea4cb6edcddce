package grpc

import (
	"fmt"
	"net"
	"time"

	"github.com/Dhoini/license-service/internal/interceptors"
	"github.com/Dhoini/license-service/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// PublicMethods методы, доступные без identity токена
var PublicMethods = []string{
	healthpb.Health_Check_FullMethodName,
}

// ServerConfig настройки gRPC сервера
type ServerConfig struct {
	Port       string
	Reflection bool
}

// Server gRPC сервер
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *logger.Logger
	cfg        ServerConfig
}

// NewServer создает gRPC сервер с сервисом лицензий
func NewServer(cfg ServerConfig, svc LicenseServiceServer, auth *interceptors.AuthInterceptor, log *logger.Logger) *Server {
	// Настройки keepalive для gRPC
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     time.Minute * 5,  // Максимальное время простоя соединения
		MaxConnectionAge:      time.Hour,        // Максимальное время жизни соединения
		MaxConnectionAgeGrace: time.Minute * 5,  // Время на завершение запросов при закрытии соединения
		Time:                  time.Minute * 2,  // Время между пингами
		Timeout:               time.Second * 20, // Таймаут ответа на пинг
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(kaParams),
		grpc.ChainUnaryInterceptor(
			interceptors.Logging(log),
			auth.Unary(),
		),
	)

	RegisterLicenseServiceServer(grpcServer, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	// reflection для отладки через grpcurl
	if cfg.Reflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		log:        log,
		cfg:        cfg,
	}
}

// Start слушает порт из конфигурации и блокируется до остановки
func (s *Server) Start() error {
	addr := ":" + s.cfg.Port
	s.log.Infow("Starting gRPC server", "addr", addr)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve обслуживает уже открытый listener
func (s *Server) Serve(listener net.Listener) error {
	if err := s.grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop помечает сервис недоступным и дожидается текущих вызовов
func (s *Server) Stop() {
	s.log.Info("Stopping gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
