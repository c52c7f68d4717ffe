package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/tumorscan/config"
	"github.com/krau/tumorscan/model"
	"github.com/krau/tumorscan/onnx"
	"github.com/krau/tumorscan/server"
	"github.com/krau/tumorscan/service"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	imagePath := flag.String("image", "", "classify a single image file, print the result and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	registry := model.NewRegistry(model.NewONNXLoader(model.ONNXOptions{
		LabelsPath:     cfg.LabelsPath,
		ImageSize:      cfg.ImageSize,
		Sessions:       cfg.Sessions,
		IntraOpThreads: cfg.IntraOpThreads,
	}))
	pipeline := service.NewPipeline(registry)

	if *imagePath != "" {
		os.Exit(runOnce(cfg, registry, pipeline, *imagePath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	slog.Info("Starting tumorscan")

	if err := onnx.Init(cfg.Libonnx); err != nil {
		slog.Error("Failed to initialize ONNX Runtime, serving without a model", slog.String("error", err.Error()))
	} else {
		defer onnx.Destroy()
		if err := registry.Load(cfg.ModelPath); err != nil {
			slog.Error("Failed to load model, serving without a model",
				slog.String("path", cfg.ModelPath),
				slog.String("error", err.Error()))
		}
	}
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Error("Failed to release model", slog.String("error", err.Error()))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewHTTPServer(cfg, server.NewRouter(cfg, pipeline, registry))

	slog.Info("Listening on", slog.String("address", srv.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", slog.String("error", err.Error()))
	}
}

func runOnce(cfg config.Config, registry *model.Registry, pipeline *service.Pipeline, imagePath string) int {
	if err := onnx.Init(cfg.Libonnx); err != nil {
		slog.Error("Failed to initialize ONNX Runtime", slog.String("error", err.Error()))
		return 1
	}
	defer onnx.Destroy()

	if err := registry.Load(cfg.ModelPath); err != nil {
		slog.Error("Failed to load model", slog.String("error", err.Error()))
		return 1
	}
	defer registry.Close()

	result, err := pipeline.Predict(service.FromPath(imagePath))
	if err != nil {
		slog.Error("Prediction failed", slog.String("image", imagePath), slog.String("error", err.Error()))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
