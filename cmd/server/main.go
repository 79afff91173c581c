package main

import (
	"log"
	"net"
	"net/http"
	"os"

	"transfer-manager/internal/config"
	"transfer-manager/internal/database"
	"transfer-manager/internal/history"
	"transfer-manager/internal/server"
	"transfer-manager/internal/task"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := os.MkdirAll(cfg.Download.Dir, 0755); err != nil {
		log.Fatalf("failed to create download directory: %v", err)
	}

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to init db: %v", err)
	}
	defer db.Close()

	registry := task.New(
		task.WithHTTPClient(httpClient(cfg)),
		task.WithChunkSize(cfg.Download.ChunkSize),
		task.WithMaxRetries(cfg.Download.MaxRetries),
		task.WithRetryDelay(cfg.RetryDelay()),
		task.WithSpeedWindow(cfg.SpeedWindow()),
	)

	hist, err := history.New(db, nil)
	if err != nil {
		log.Fatalf("failed to init history store: %v", err)
	}
	hist.Attach(registry)

	srv := server.New(cfg, registry, hist, nil)
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}

func httpClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.Timeout()}).DialContext,
			ResponseHeaderTimeout: cfg.Timeout(),
		},
	}
}
