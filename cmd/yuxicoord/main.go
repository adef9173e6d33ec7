package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/api"
	"yuxicoord/internal/coord"
	"yuxicoord/internal/dislock"
	"yuxicoord/internal/metastore"
	"yuxicoord/internal/notify"
	"yuxicoord/internal/ratelimit"
	"yuxicoord/internal/types"
)

func main() {
	// Load environment variables
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Info("The .env file not found.")
	}

	if lvl, err := log.ParseLevel(types.Getenv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(lvl)
	}

	backend := coord.NewFromEnv()
	defer backend.Close()

	limiter := ratelimit.New(backend,
		types.GetenvInt("RATE_LIMIT_MAX_ATTEMPTS", ratelimit.DefaultMaxAttempts),
		time.Duration(types.GetenvInt("RATE_LIMIT_WINDOW_SECONDS", ratelimit.DefaultWindowSeconds))*time.Second,
	)

	store, err := metastore.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("failed to initialize metadata store")
	}
	cached := metastore.NewCached(store, 30*time.Second)

	newLock := func(name string, opts ...dislock.Option) *dislock.Mutex {
		return dislock.New(backend, name, opts...)
	}

	adminUser := types.Getenv("ADMIN_USERNAME", "admin")
	adminPass := os.Getenv("ADMIN_PASSWORD")
	authenticate := func(username, password string) bool {
		return adminPass != "" && username == adminUser && password == adminPass
	}

	h := api.NewHandler(limiter, cached, notify.New(backend), newLock, authenticate)
	api.RunServer(types.GetenvInt("PORT", 5050), h)
}
