package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/camden-git/footfallbackend/capture"
	"github.com/camden-git/footfallbackend/config"
	"github.com/camden-git/footfallbackend/database"
	"github.com/camden-git/footfallbackend/detector"
	"github.com/camden-git/footfallbackend/handlers"
	"github.com/camden-git/footfallbackend/media"
	"github.com/camden-git/footfallbackend/metrics"
	"github.com/camden-git/footfallbackend/pipeline"
	"github.com/camden-git/footfallbackend/realtime"
	"github.com/camden-git/footfallbackend/repository"
	"github.com/camden-git/footfallbackend/services"
	"github.com/camden-git/footfallbackend/stream"
	"github.com/camden-git/footfallbackend/tracking"
	"github.com/camden-git/footfallbackend/workers"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitGormDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database: %v", err)
	}
	defer database.Close(db)
	if err := database.AutoMigrateModels(db); err != nil {
		log.Fatalf("FATAL: Failed to migrate database: %v", err)
	}
	customerRepo := repository.NewCustomerRepository(db)

	appMetrics := metrics.New()

	hub := realtime.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	ssd := detector.NewSSDDetector(cfg.DetectorModelPath, cfg.DetectorConfigPath, cfg.DetectorLabelsPath)
	defer ssd.Close()
	if !ssd.Ready() {
		log.Printf("Warning: detector not ready; streams cannot be started until a model is configured")
	}

	log.Printf("Initializing snapshot worker pool (Workers: %d, Queue Size: %d)...", cfg.NumSnapshotWorkers, cfg.SnapshotQueueSize)
	snapshotProcessor := workers.NewSnapshotProcessor(
		customerRepo,
		media.NewProcessor(cfg.SnapshotMargin, media.SnapshotJpegQuality),
		hub,
		appMetrics,
		cfg.SnapshotQueueSize,
		cfg.NumSnapshotWorkers,
	)
	capturer := media.NewCapturer(snapshotProcessor, cfg.SnapshotInterval)

	streamOpts := stream.Options{
		Width:        cfg.WebcamWidth,
		Height:       cfg.WebcamHeight,
		StartTimeout: cfg.StreamStartTimeout,
		PollInterval: cfg.MJPEGPollInterval,
		MaxRetries:   cfg.HLSMaxRetries,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
	manager := pipeline.NewManager(pipeline.ManagerConfig{
		Adapters: pipeline.OpenerFactory(capture.NewOpener(), streamOpts),
		Detector: ssd,
		Store:    customerRepo,
		Capturer: capturer,
		Events:   hub,
		Metrics:  appMetrics,
		Tracking: tracking.Config{
			Class:         tracking.DefaultConfig().Class,
			MinConfidence: cfg.MinConfidence,
			MatchRadius:   cfg.MatchRadius,
			Timeout:       cfg.CustomerTimeout,
		},
		Loop: pipeline.LoopConfig{
			RefreshInterval:   cfg.RefreshInterval,
			DetectionInterval: cfg.DetectionInterval,
		},
		ProxyBase: cfg.ProxyBaseURL,
	})

	for _, desc := range cfg.InitialStreams {
		status, err := manager.Add(desc)
		if err != nil {
			log.Printf("Warning: skipping initial stream %+v: %v", desc, err)
			continue
		}
		go func(id string) {
			if _, err := manager.Start(ctx, id); err != nil {
				log.Printf("Warning: initial stream %s did not start: %v", id, err)
			}
		}(status.ID)
	}

	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	corsHandler := cors.New(corsOptions)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	streamHandler := &handlers.StreamHandler{Streams: manager}
	customerHandler := &handlers.CustomerHandler{
		Customers: customerRepo,
		Analytics: services.NewAnalyticsService(customerRepo, nil),
	}
	proxyHandler := &handlers.ProxyHandler{
		Client:  handlers.NewProxyClient(handlers.DefaultProxyDialTimeout, handlers.DefaultProxyHeaderTimeout),
		Metrics: appMetrics,
	}

	// long-lived responses stay outside the request timeout
	r.Handle("/proxy", proxyHandler)
	r.Get("/api/ws", hub.ServeWS)
	r.Handle("/metrics", appMetrics.Handler())

	r.Group(func(r chi.Router) {
		// starting a stream may wait out the adapter start timeout
		r.Use(middleware.Timeout(cfg.StreamStartTimeout + 15*time.Second))

		r.Route("/api", func(r chi.Router) {
			r.Route("/streams", func(r chi.Router) {
				r.Get("/", streamHandler.ListStreams)
				r.Post("/", streamHandler.CreateStream)
				r.Route("/{stream_id}", func(r chi.Router) {
					r.Get("/", streamHandler.GetStream)
					r.Delete("/", streamHandler.DeleteStream)
					r.Post("/start", streamHandler.StartStream)
					r.Post("/stop", streamHandler.StopStream)
				})
			})

			r.Route("/customers", func(r chi.Router) {
				r.Get("/", customerHandler.ListCustomers)
				r.Route("/{customer_id}", func(r chi.Router) {
					r.Get("/", customerHandler.GetCustomer)
					r.Get("/snapshot", customerHandler.GetSnapshot)
				})
			})

			r.Route("/analytics", func(r chi.Router) {
				r.Get("/summary", customerHandler.GetSummary)
				r.Get("/export.csv", customerHandler.ExportCSV)
			})
		})
	})

	serverAddr := ":" + cfg.Port
	fmt.Printf("Server starting on http://localhost:%s\n", cfg.Port)
	log.Printf("Server listening on %s", serverAddr)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: server stopped: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: HTTP shutdown: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: stream shutdown: %v", err)
	}
	snapshotProcessor.Stop()
	stopHub()
	log.Println("Server stopped")
}
