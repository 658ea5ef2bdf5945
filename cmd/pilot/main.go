// Command pilot runs the obstacle-avoidance control loop for the rover: a
// serial range sensor governs speed, a UDP vision feed steers, and an
// arbitration engine reconciles the two on a fixed cadence.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rover.pilot/internal/api"
	"github.com/banshee-data/rover.pilot/internal/arbiter"
	"github.com/banshee-data/rover.pilot/internal/config"
	"github.com/banshee-data/rover.pilot/internal/db"
	"github.com/banshee-data/rover.pilot/internal/mailbox"
	"github.com/banshee-data/rover.pilot/internal/occupancy"
	"github.com/banshee-data/rover.pilot/internal/pilot"
	"github.com/banshee-data/rover.pilot/internal/rangefilter"
	"github.com/banshee-data/rover.pilot/internal/rangelink"
	"github.com/banshee-data/rover.pilot/internal/version"
	"github.com/banshee-data/rover.pilot/internal/visionlink"
)

var (
	devMode      = flag.Bool("dev", false, "Run in dev mode (replayed range fixtures, log actuator)")
	listen       = flag.String("listen", ":8080", "Listen address for the telemetry server")
	serialPort   = flag.String("port", "/dev/ttySC1", "Serial port for the range sensor")
	visionListen = flag.String("vision-listen", ":6868", "UDP listen address for vision occupancy frames")
	configPath   = flag.String("config", "", "Path to a JSON tuning config (defaults apply when empty)")
	dbFile       = flag.String("db", "pilot.db", "Path to the sqlite transition log")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.DefaultPilotConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadPilotConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	sessionID := uuid.NewString()
	log.Printf("pilot %s starting session %s", version.String(), sessionID)

	var opener rangelink.Opener
	if *devMode {
		data, err := os.ReadFile("fixtures.txt")
		if err != nil {
			log.Fatalf("failed to open fixtures file: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		opener = rangelink.ReplayOpener(lines, 50*time.Millisecond)
	} else {
		opener = rangelink.SerialOpener(*serialPort)
	}

	samples := mailbox.New[rangelink.Sample]()
	link := rangelink.NewManager(rangelink.Config{
		Open:             opener,
		LinkTimeout:      cfg.GetLinkTimeout(),
		StaleGrace:       cfg.GetStaleGrace(),
		ReconnectInitial: cfg.GetReconnectInitial(),
		ReconnectMax:     cfg.GetReconnectMax(),
		Out:              samples,
	})

	vision := visionlink.NewListener(visionlink.Config{
		Address: *visionListen,
	})

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := database.StartSession(sessionID, time.Now(), string(configJSON)); err != nil {
		log.Fatalf("failed to record session: %v", err)
	}

	loop := pilot.NewLoop(pilot.Config{
		SessionID: sessionID,
		Tick:      cfg.GetTickPeriod(),
		Samples:   samples,
		Frames:    vision.Frames(),
		Link:      link,
		Debouncer: rangefilter.New(rangefilter.Config{
			StopCM:       cfg.GetStopCM(),
			SlowEndCM:    cfg.GetSlowEndCM(),
			SlowStartCM:  cfg.GetSlowStartCM(),
			SlowFloor:    cfg.GetSlowFloor(),
			StopCount:    cfg.GetDebounceStopCount(),
			GoCount:      cfg.GetDebounceGoCount(),
			FailsafeHold: cfg.GetFailsafeHold(),
		}),
		Tracker: occupancy.New(occupancy.Config{
			Capacity:      cfg.GetHistoryCapacity(),
			Decay:         cfg.GetDecayFactor(),
			CenterBlocked: cfg.GetCenterBlocked(),
			Dwell:         cfg.GetTurnDwell(),
			FrameStale:    cfg.GetVisionStale(),
		}),
		Engine: arbiter.New(arbiter.Config{
			BaseSpeedPct:        cfg.GetBaseSpeedPct(),
			FallbackSpeedCapPct: cfg.GetFallbackSpeedCapPct(),
			TurnSteeringDeg:     cfg.GetTurnSteeringDeg(),
			MaxSteeringDeg:      cfg.GetMaxSteeringDeg(),
		}),
		Actuator: pilot.LogActuator{},
		Events:   database,
	})

	// Wait group for the link manager, vision listener, control loop and
	// HTTP server routines.
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serial link manager: owns the port, reconnects with backoff
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("range link terminated: %v", err)
		}
		log.Print("range link routine terminated")
	}()

	// vision listener: decodes occupancy frames off UDP
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := vision.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("vision listener terminated: %v", err)
		}
		log.Print("vision routine terminated")
	}()

	// control loop: the only goroutine that issues commands
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			log.Printf("control loop terminated: %v", err)
		}
		log.Print("control loop routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)

		apiServer := api.NewServer(loop, database, sessionID)
		apiServer.AttachAdminRoutes(mux)
		mux.Handle("/api/", http.StripPrefix("/api", apiServer.ServeMux()))
		mux.Handle("/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("session %s ended", sessionID)
}
