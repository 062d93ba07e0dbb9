package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker consumes anomaly alerts and delivers them to session owners.
func main() {
	cfg := config.Load()
	if cfg.QueueBackend == "memory" {
		log.Fatal("worker needs QUEUE_BACKEND=redis; the in-memory queue is consumed inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable, will keep retrying", cfg.RedisAddr)
	}
	q := queue.NewRedisQueue(redisClient.Client, cfg.AlertQueueKey)

	log.Println("worker started, waiting for alerts...")
	delivered := 0
	err := queue.ConsumeAlerts(ctx, q, func(a attendance.Alert) {
		delivered++
		log.Printf("ALERT for owner %s: device %s made %d scans within %s (session=%s user=%s attempt=%s)",
			a.OwnerID, a.DeviceID, a.ScanCount, a.Window, a.SessionID, a.UserID, a.AttemptID)
	})
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}
	log.Printf("worker stopped after %d alerts", delivered)
}
