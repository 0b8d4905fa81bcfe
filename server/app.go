package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canopy/config"
	"canopy/internal/auth"
	"canopy/internal/db"
	"canopy/internal/devices"
	"canopy/internal/firmware"
	"canopy/internal/health"
	"canopy/internal/ingest"
	"canopy/internal/livecache"
	"canopy/internal/logs"
	"canopy/internal/middleware"
	"canopy/internal/models"
	"canopy/internal/relay"
	"canopy/internal/slots"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
	}

	if a.db != nil {
		if err := a.db.AutoMigrate(
			// identity
			&models.User{},
			&models.Location{},

			// devices and their relationships
			&models.Device{},
			&models.DeviceAssignment{},
			&models.DeviceShare{},
			&models.LocationShare{},
			&models.DeviceLink{},
			&models.DevicePostingSlot{},

			// plants and daily aggregation
			&models.Plant{},
			&models.PlantDailyLog{},
			&models.DosingEvent{},
			&models.LightEvent{},
			&models.LogEntry{},

			// firmware metadata
			&models.Firmware{},
			&models.DeviceFirmwareAssignment{},
		); err != nil {
			logs.Logger.Errorf("automigrate: %v", err)
		}
		if err := db.MigrateDailyLogUniqueIndex(a.db); err != nil {
			logs.Logger.Warnf("daily log unique index migration: %v", err)
		}
	}

	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db)
	} else {
		health.RegisterRoutes(a.Router)
	}

	if a.db != nil {
		sessions := auth.NewSessions(a.cfg.Auth.SessionSecret, a.cfg.Auth.CookieName)
		store := devices.NewStore(a.db)
		cache := livecache.New()
		hub := relay.NewHub()

		window := slots.NewWindow(a.cfg.Posting.WindowStartHour, a.cfg.Posting.WindowEndHour)
		slotSvc := slots.NewService(a.db, window)
		fwSvc := firmware.NewService(a.db)

		pipeline := ingest.NewPipeline(a.db)
		checkin := ingest.NewCheckin(store, slotSvc, fwSvc)

		devices.NewHTTP(store, a.db, sessions, slotSvc).RegisterRoutes(a.Router)
		ingest.NewHTTP(a.db, store, pipeline, checkin, cache, sessions).RegisterRoutes(a.Router)
		firmware.NewHTTP(fwSvc, store).RegisterRoutes(a.Router)
		slots.NewHTTP(slotSvc, window, sessions).RegisterRoutes(a.Router)

		relay.NewDeviceWS(hub, store, fwSvc).RegisterRoutes(a.Router)
		relay.NewViewerWS(hub, store, sessions).RegisterRoutes(a.Router)
	}

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
