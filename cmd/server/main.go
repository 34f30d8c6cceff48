package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/api"
	"gwi.com/form-insights/internal/app"
	"gwi.com/form-insights/internal/config"
	"gwi.com/form-insights/internal/logging"
)

func main() {
	// Load configuration
	config.LoadConfig()
	logging.Init(config.AppConfig.LogLevel, config.AppConfig.Environment)
	config.RequireServerSecrets()

	a, err := app.FromConfig(config.AppConfig)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	defer a.Close()

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(a, config.AppConfig.JWTSecret, config.AppConfig.AdminPassword)
	router := api.NewRouter(apiHandler, a.Registry)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // submission handlers wait on the rate limiter and the inference call
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logrus.Infof("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Could not listen on %s: %v", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.AppConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exiting gracefully")
}
