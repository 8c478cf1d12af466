package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/heraldhq/herald/internal/sendmock"
)

func main() {
	port := 5555
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	failureRate := 0.1
	if envRate := os.Getenv("FAILURE_RATE"); envRate != "" {
		if r, err := strconv.ParseFloat(envRate, 64); err == nil {
			failureRate = r
		}
	}

	var latency time.Duration
	if envLatency := os.Getenv("LATENCY"); envLatency != "" {
		if d, err := time.ParseDuration(envLatency); err == nil {
			latency = d
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Mock send API listening on port %d (failure rate %.2f, latency %s)", port, failureRate, latency)

	server := sendmock.New(sendmock.SendMockServerConfig{
		Port:        port,
		FailureRate: failureRate,
		Latency:     latency,
	})
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server exited gracefully")
}
