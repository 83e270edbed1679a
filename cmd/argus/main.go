// Command argus runs the recorder: media-router sync, ingest
// supervision, the 24/7 archive, detection, event clips, retention and
// the control API, in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/argus-nvr/argus/internal/api"
	"github.com/argus-nvr/argus/internal/auth"
	"github.com/argus-nvr/argus/internal/bus"
	"github.com/argus-nvr/argus/internal/config"
	"github.com/argus-nvr/argus/internal/creds"
	"github.com/argus-nvr/argus/internal/database"
	"github.com/argus-nvr/argus/internal/detect"
	"github.com/argus-nvr/argus/internal/events"
	"github.com/argus-nvr/argus/internal/recording"
	"github.com/argus-nvr/argus/internal/retention"
	"github.com/argus-nvr/argus/internal/router"
	"github.com/argus-nvr/argus/internal/store"
	"github.com/argus-nvr/argus/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	if err := run(cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Starting recorder", "listen", cfg.Server.Listen, "storage", cfg.Storage.Root)

	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return err
	}

	// Bad database or storage root fails startup outright.
	dbCfg := database.DefaultConfig(cfg.Storage.Root)
	dbCfg.Path = cfg.Database.Path
	db, err := database.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return err
	}
	st := store.New(db)

	b, err := bus.New(bus.DefaultConfig())
	if err != nil {
		return err
	}
	defer b.Stop()

	// Media router: config sync plus an optionally managed child
	// process.
	client := router.NewClient(cfg.Router.APIURL, cfg.Router.AdminUser, cfg.Router.AdminPass)
	builder := router.Builder{
		RTSPPort:        cfg.Router.RTSPPort,
		WebRTCPort:      cfg.Router.WebRTCPort,
		APIURL:          cfg.Router.APIURL,
		AdminUser:       cfg.Router.AdminUser,
		AdminPass:       cfg.Router.AdminPass,
		AuthCallbackURL: streamAuthURL(cfg.Server.Listen),
	}

	var pool *creds.Pool
	source := &routerStateSource{store: st, storage: cfg.Storage, pool: func() *creds.Pool { return pool }}
	syncer := router.NewSyncer(builder, client, source, cfg.Router.ConfigPath)
	pool = creds.NewPool(syncer)

	if cfg.Router.Managed {
		proc := router.NewProcess(cfg.Router.Binary, cfg.Router.ConfigPath)
		if err := proc.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = proc.Stop() }()
	}
	syncer.Start(ctx)
	if err := syncer.SyncNow(ctx); err != nil {
		slog.Warn("Initial router sync failed, will retry", "error", err)
	}

	rec, err := recording.NewService(st, cfg.Storage)
	if err != nil {
		return err
	}
	defer rec.Close()
	if err := rec.Start(ctx); err != nil {
		return err
	}

	sup := supervisor.New(st, client, syncer, b, cfg.Storage.ArchiveDir)
	if err := sup.Reconcile(ctx); err != nil {
		return err
	}

	det := detect.NewService(st, b, detect.NewClient(cfg.Detection.ServiceURL))
	defer det.Stop()
	if err := det.Reconcile(ctx); err != nil {
		return err
	}

	// Uncovered intervals dump straight from the router's RTSP side
	// with the admin identity.
	liveURL := func(cam *store.Camera) string {
		u := url.URL{
			Scheme: "rtsp",
			Host:   fmt.Sprintf("127.0.0.1:%d", cfg.Router.RTSPPort),
			Path:   "/" + cam.Path,
		}
		if cfg.Router.AdminUser != "" {
			u.User = url.UserPassword(cfg.Router.AdminUser, cfg.Router.AdminPass)
		}
		return u.String()
	}
	recorder := events.NewRecorder(st, rec, cfg.Storage, b, liveURL)
	if err := recorder.Start(ctx); err != nil {
		return err
	}

	go retention.NewReaper(st, cfg.Storage).Run(ctx)
	go pool.Run(ctx)

	apiSrv := api.NewServer(st, auth.NewManager(cfg.Auth.SigningKey), rec,
		syncer, pool, b, cfg.Storage, sup, det)
	apiSrv.AllowedOrigins = cfg.Server.AllowedOrigins
	apiSrv.RouterAdminUser = cfg.Router.AdminUser
	apiSrv.RouterAdminPass = cfg.Router.AdminPass
	if err := apiSrv.Start(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           apiSrv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("Control API listening", "addr", cfg.Server.Listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	sup.Stop()
	recorder.Wait()
	return nil
}

// streamAuthURL derives the router's auth callback URL from the API
// listen address. A wildcard host becomes loopback; the router runs on
// the same machine.
func streamAuthURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/internal/stream-auth"
}

// routerStateSource renders the camera table and the live viewer
// credentials into desired router state.
type routerStateSource struct {
	store   *store.Store
	storage config.StorageConfig
	pool    func() *creds.Pool
}

func (s *routerStateSource) RouterState(ctx context.Context) (router.State, error) {
	cameras, err := s.store.Cameras.ListActive(ctx)
	if err != nil {
		return router.State{}, err
	}

	state := router.State{}
	for _, cam := range cameras {
		state.Cameras = append(state.Cameras, router.CameraPath{
			Name:       cam.Path,
			Source:     cam.RTSPURL,
			Record:     cam.ContinuousRecording,
			ArchiveDir: s.storage.ArchiveDir(cam.ID),
		})
	}
	if pool := s.pool(); pool != nil {
		state.ViewerCreds = pool.Creds()
	}
	return state, nil
}
