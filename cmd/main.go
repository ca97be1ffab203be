package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/config"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/server"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Flags fall back to the environment, which may come from a .env file.
var (
	configPath   = flag.String("config", "", "Optional YAML config file (CONFIG_PATH)")
	port         = flag.String("port", "", "Port to host the server on (PORT)")
	frontendHost = flag.String("frontendHost", "", "The frontend host (FRONTEND_HOST)")
)

// flagOrEnv returns the flag value if set, otherwise the environment
// variable key.
func flagOrEnv(value *string, key string) string {
	if *value != "" {
		return *value
	}
	return os.Getenv(key)
}

// loadConfig reads the config file if one was given, then applies any flags
// or environment variables on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := flagOrEnv(configPath, "CONFIG_PATH"); path != "" {
		parsed, err := config.ParseConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	if p := flagOrEnv(port, "PORT"); p != "" {
		cfg.Port = p
	}
	if host := flagOrEnv(frontendHost, "FRONTEND_HOST"); host != "" {
		cfg.FrontendHost = host
	}
	return cfg, cfg.Validate()
}

// checkOrigin returns a function accepting requests from the frontend host.
func checkOrigin(frontendHost string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if frontendHost == "" {
			return true
		}
		return strings.Contains(r.Header.Get("Origin"), frontendHost)
	}
}

func main() {
	// A missing .env file is fine, the environment may already be set.
	_ = godotenv.Load()
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.FrontendHost == "" {
		log.Warn("No frontend host set, accepting sockets from any origin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start-up the server
	s := server.NewServer(log, cfg, checkOrigin(cfg.FrontendHost))
	if err := s.Start(ctx); err != nil {
		log.Fatal("Server stopped", zap.Error(err))
	}
}
