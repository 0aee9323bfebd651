package main

import (
	"context"
	"log"

	"backend/config"
	"backend/controllers"
	"backend/routes"
	"backend/services"
	"backend/utils"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	scratch, err := utils.NewScratchStore(ctx, cfg.AWSRegion, cfg.ScratchBucket)
	if err != nil {
		log.Fatalf("scratch store: %v", err)
	}
	mailer, err := utils.NewMailer(ctx, cfg.AWSRegion, cfg.AlertEmail)
	if err != nil {
		log.Fatalf("mailer: %v", err)
	}
	detector, err := services.NewRekognitionService(ctx, cfg.AWSRegion)
	if err != nil {
		log.Fatalf("rekognition: %v", err)
	}

	clock := services.RealClock{}
	hub := services.NewRealtimeHub()

	pre := services.NewPreprocessService(scratch)
	eda := services.NewEdamamService(cfg.EdamamBaseURL, cfg.EdamamAppID, cfg.EdamamAppKey, cfg.EdamamNutriID, cfg.EdamamNutriKey)
	resolver := services.NewResolverService(db, eda, cfg.CacheTTL, clock)
	ledger := services.NewLedgerService(db, clock, hub)
	health := services.NewHealthSyncService(db, ledger, clock, cfg.HealthBaseURL, cfg.HealthAPIKey)
	queue := services.NewOfflineQueueService(db, clock, hub, mailer, cfg.QueueBaseDelay, cfg.QueueMaxDelay, cfg.QueueMaxAttempts)
	capture := services.NewCaptureService(pre, detector, resolver, ledger, queue, health, hub, cfg.OfflineTolerant)
	auth := services.NewAuthService(db, cfg.JWTSecret)

	go queue.Run(ctx, cfg.ReplayInterval)

	r := routes.SetupRouter(db, cfg.JWTSecret, routes.Controllers{
		Auth:     controllers.NewAuthController(auth),
		Capture:  controllers.NewCaptureController(capture),
		Ledger:   controllers.NewLedgerController(ledger, health),
		Sync:     controllers.NewSyncController(capture, queue),
		Realtime: controllers.NewRealtimeController(hub),
	})
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}
