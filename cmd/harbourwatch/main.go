// Command harbourwatch runs the PTZ tracking service: the session bridge,
// its HTTP API and the gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/harbour.watch/internal/api"
	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/db"
	"github.com/banshee-data/harbour.watch/internal/health"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/session"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
	"github.com/banshee-data/harbour.watch/internal/version"
)

var (
	devMode        = flag.Bool("dev", false, "Drive simulated cameras instead of ONVIF")
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen     = flag.String("grpc-listen", ":50051", "gRPC health listen address (empty to disable)")
	dbPath         = flag.String("db-path", "harbourwatch.db", "Path to the SQLite database")
	calibrationDir = flag.String("calibration-dir", "", "Keep calibration as JSON files in this directory instead of SQLite")
	queueSize      = flag.Int("queue-size", 500, "Shared detection queue capacity")
	stopTimeout    = flag.Duration("stop-timeout", 2*time.Second, "How long to wait for a session to stop")
	onvifAbsolute  = flag.Bool("onvif-absolute", true, "Advertise AbsoluteMove on ONVIF cameras")
	debug          = flag.Bool("debug", false, "Enable per-cycle debug logging")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n       %s migrate <command>\n\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debug)

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var calibrations calibration.Store = db.NewCalibrationStore(database)
	if *calibrationDir != "" {
		calibrations = calibration.NewFileStore(*calibrationDir)
	}

	var factory ptz.Factory
	if *devMode {
		factory = ptz.SimulatedFactory(timeutil.RealClock{}, ptz.Capabilities{AbsoluteMove: true, PositionFeed: true}, nil)
		log.Printf("dev mode: cameras are simulated")
	} else {
		factory = ptz.ONVIFFactory(ptz.WithAbsoluteMove(*onvifAbsolute))
	}

	var healthSrv *health.Server
	var observers []session.Observer
	if *grpcListen != "" {
		healthSrv = health.NewServer(*grpcListen)
		if err := healthSrv.Start(); err != nil {
			log.Fatalf("failed to start health server: %v", err)
		}
		defer healthSrv.Stop()
		observers = append(observers, healthSrv.Observer())
	}

	bridge := session.NewBridge(session.Options{
		Factory:     factory,
		Calibration: calibrations,
		Sink:        database,
		Observers:   observers,
		QueueSize:   *queueSize,
		StopTimeout: *stopTimeout,
	})
	defer bridge.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(bridge, calibrations, database).ServeMux()
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP API listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Sessions are stopped before the deferred database close so their
	// final run records land.
	bridge.StopAllSessions()
	log.Printf("Graceful shutdown complete")
}
