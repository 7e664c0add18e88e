package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/reedfamily/gamewarden/internal/api"
	"github.com/reedfamily/gamewarden/internal/auth"
	"github.com/reedfamily/gamewarden/internal/backup"
	"github.com/reedfamily/gamewarden/internal/config"
	"github.com/reedfamily/gamewarden/internal/docker"
	"github.com/reedfamily/gamewarden/internal/game"
	"github.com/reedfamily/gamewarden/internal/history"
	"github.com/reedfamily/gamewarden/internal/lifecycle"
	"github.com/reedfamily/gamewarden/internal/power"
	"github.com/reedfamily/gamewarden/internal/remote"
	"github.com/reedfamily/gamewarden/internal/scheduler"
	"github.com/reedfamily/gamewarden/internal/session"
	"github.com/reedfamily/gamewarden/internal/status"
	"github.com/reedfamily/gamewarden/internal/watchdog"

	// Register game adapters
	_ "github.com/reedfamily/gamewarden/internal/game/factorio"
)

type Server struct {
	cfg        *config.Config
	db         *sql.DB
	router     chi.Router
	controller *lifecycle.Controller
	watchdog   *watchdog.Watchdog
	poller     *status.Poller
	scheduler  *scheduler.Scheduler
	docker     *docker.Client
	cancel     context.CancelFunc
}

func New(cfg *config.Config, db *sql.DB) (*Server, error) {
	authSvc := auth.NewService(db, cfg.TokenTTL)
	if err := authSvc.EnsureOperator(cfg.OperatorUser, cfg.OperatorPass); err != nil {
		return nil, fmt.Errorf("ensure operator: %w", err)
	}

	adapter, err := game.New(cfg.Game.Name, game.Options{
		Home:          cfg.Game.Home,
		MandatoryMods: cfg.Game.MandatoryMods,
		Settings: game.Settings{
			Name:             cfg.Game.ServerName,
			Description:      cfg.Game.Description,
			Tags:             cfg.Game.Tags,
			MaxPlayers:       cfg.Game.MaxPlayers,
			Public:           cfg.Game.Public,
			Username:         cfg.Game.Username,
			Token:            cfg.Game.Token,
			GamePassword:     cfg.Game.GamePassword,
			AutosaveInterval: cfg.Game.AutosaveInterval,
			AutosaveSlots:    cfg.Game.AutosaveSlots,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b, err := openBackends(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}

	hub := api.NewConsoleHub(200)
	historyStore := history.NewStore(db)
	archives := backup.NewService(db, cfg.DataDir)

	state := session.New()
	ctl := lifecycle.New(lifecycle.Config{
		InstanceID:         b.instanceID,
		SettleDelay:        cfg.Timeouts.SettleDelay,
		ProcessTimeout:     cfg.Timeouts.ProcessTimeout,
		CreatePollInterval: cfg.Timeouts.CreatePollInterval,
		CreateTimeout:      cfg.Timeouts.CreateTimeout,
		OpTimeout:          cfg.Timeouts.OpTimeout,
		IdleOnStart:        cfg.Timeouts.IdleOnStart,
	}, state, b.power, b.dialer, adapter,
		lifecycle.WithRecorder(historyStore),
		lifecycle.WithArchiver(archives),
		lifecycle.WithLineHook(hub.Publish),
	)

	dog := watchdog.New(state, ctl.IdleShutdown, cfg.Timeouts.WatchdogInterval, cfg.Timeouts.IdleThreshold)
	dog.Start()

	poller := status.NewPoller(ctl, cfg.Timeouts.StatusInterval)
	poller.Start()

	scheduleStore := scheduler.NewStore(db)
	sched := scheduler.New(scheduleStore, ctl)
	sched.Start()

	limiter := api.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	go limiter.Run(ctx, 5*time.Minute)

	r := NewRouter(cfg, Handlers{
		Auth:       authSvc,
		Lifecycle:  api.NewLifecycleHandler(ctl, poller),
		Live:       api.NewLiveHandler(poller),
		Console:    hub,
		Operations: api.NewOperationHandler(historyStore),
		Saves:      api.NewSaveHandler(archives),
		Schedules:  api.NewScheduleHandler(scheduleStore),
		Limiter:    limiter,
	})

	return &Server{
		cfg:        cfg,
		db:         db,
		router:     r,
		controller: ctl,
		watchdog:   dog,
		poller:     poller,
		scheduler:  sched,
		docker:     b.docker,
		cancel:     cancel,
	}, nil
}

type backends struct {
	instanceID string
	power      power.Port
	dialer     remote.Dialer
	docker     *docker.Client
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{instanceID: cfg.Power.InstanceID}

	if cfg.Power.Backend == "docker" || cfg.Remote.Backend == "docker" {
		client, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		err = client.EnsureContainer(ctx, docker.ContainerConfig{
			Name:  cfg.Docker.Container,
			Image: cfg.Docker.Image,
			Ports: docker.ParsePortMappings(cfg.Docker.Ports),
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("dev container: %w", err)
		}
		b.docker = client
	}

	switch cfg.Power.Backend {
	case "docker":
		b.power = docker.NewPower(b.docker)
		b.instanceID = cfg.Docker.Container
	default:
		ec2, err := power.NewEC2(ctx, cfg.Power.Region)
		if err != nil {
			return nil, err
		}
		b.power = ec2
	}

	switch cfg.Remote.Backend {
	case "docker":
		b.dialer = docker.NewDialer(b.docker, cfg.Docker.Container)
	default:
		key, err := cfg.Remote.PrivateKey()
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		d, err := remote.NewSSHDialer(remote.SSHConfig{
			Addr:       cfg.Remote.Addr,
			User:       cfg.Remote.User,
			PrivateKey: key,
			HostKey:    cfg.Remote.HostKey,
			Timeout:    cfg.Remote.Timeout,
		})
		if err != nil {
			return nil, err
		}
		b.dialer = d
	}

	log.Printf("server: power via %s (%s), remote via %s", cfg.Power.Backend, b.instanceID, cfg.Remote.Backend)
	return b, nil
}

// Handlers are the API endpoints mounted by NewRouter.
type Handlers struct {
	Auth       *auth.Service
	Lifecycle  *api.LifecycleHandler
	Live       *api.LiveHandler
	Console    *api.ConsoleHub
	Operations *api.OperationHandler
	Saves      *api.SaveHandler
	Schedules  *api.ScheduleHandler
	Limiter    *api.RateLimiter
}

func NewRouter(cfg *config.Config, h Handlers) chi.Router {
	authHandler := api.NewAuthHandler(h.Auth)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.With(h.Limiter.Middleware).Post("/auth/login", authHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(h.Auth))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.Me)

			r.Route("/server", func(r chi.Router) {
				r.Get("/status", h.Lifecycle.Status)
				// token via query param for browsers
				r.Get("/status/live", h.Live.Status)
				r.Get("/console", h.Console.Handle)

				r.Group(func(r chi.Router) {
					r.Use(h.Limiter.Middleware)
					r.Post("/start", h.Lifecycle.Start)
					r.Post("/stop", h.Lifecycle.Stop)
					r.Post("/abort", h.Lifecycle.Abort)
				})
			})
			r.With(h.Limiter.Middleware).Post("/maps", h.Lifecycle.Create)

			r.Get("/operations", h.Operations.List)

			r.Route("/saves", func(r chi.Router) {
				r.Get("/", h.Saves.List)
				r.Get("/{id}/download", h.Saves.Download)
				r.Delete("/{id}", h.Saves.Delete)
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", h.Schedules.List)
				r.Post("/", h.Schedules.Create)
				r.Put("/{id}", h.Schedules.Update)
				r.Delete("/{id}", h.Schedules.Delete)
			})
		})
	})

	return r
}

func (s *Server) Router() chi.Router {
	return s.router
}

// Stop halts background loops. A lifecycle operation in flight is waited for;
// the game instance itself is left as it is.
func (s *Server) Stop() {
	s.scheduler.Stop()
	s.watchdog.Stop()
	s.poller.Stop()
	s.controller.Close()
	s.cancel()
	if s.docker != nil {
		s.docker.Close()
	}
}
