package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/stuffbin"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/veildrop/veildrop/internal/hub"
	"github.com/veildrop/veildrop/internal/quota"
	"github.com/veildrop/veildrop/store"
	"github.com/veildrop/veildrop/store/mem"
	"github.com/veildrop/veildrop/store/redis"
	"github.com/veildrop/veildrop/store/sqlite"
)

var (
	logger = logrus.New()
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	hub    *hub.Hub
	cfg    *hub.Config
	fs     stuffbin.FileSystem
	logger *logrus.Logger
}

// registry is a room store that holds resources until closed.
type registry interface {
	store.Store
	Close() error
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("app.address", "", "Address to listen on (overrides config)")
	f.String("store.type", "", "Room store: mem, redis or sqlite (overrides config)")
	f.Bool("tor.enabled", false, "Serve over a Tor onion service")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		logger.Infof("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			logger.Errorf("error reading config: %v", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("VEILDROP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VEILDROP_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Errorf("error loading env config: %v", err)
	}

	// Merge command line flags into config. Only flags that were set
	// override the files.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initLogger applies the configured level and format.
func initLogger(cfg *hub.Config) {
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.LogLevel == "" {
		return
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("invalid app.log_level: %v", err)
	}
	logger.SetLevel(lvl)
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS() stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		logger.Fatalf("error getting executable path: %v", err)
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("./", "./static")
			if err != nil {
				logger.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			logger.Fatalf("error reading stuffed binary: %v", err)
		}
	}
	return fs
}

// initStore initializes the configured room store.
func initStore() registry {
	typ := ko.String("store.type")
	switch typ {
	case "", "mem":
		var cfg mem.Config
		if err := ko.Unmarshal("store.mem", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store.mem' config: %v", err)
		}
		s, err := mem.New(cfg)
		if err != nil {
			logger.Fatalf("error initializing mem store: %v", err)
		}
		return s

	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store.redis", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store.redis' config: %v", err)
		}
		s, err := redis.New(cfg)
		if err != nil {
			logger.Fatalf("error initializing redis store: %v", err)
		}
		return s

	case "sqlite":
		var cfg sqlite.Config
		if err := ko.Unmarshal("store.sqlite", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store.sqlite' config: %v", err)
		}
		s, err := sqlite.New(cfg, logger)
		if err != nil {
			logger.Fatalf("error initializing sqlite store: %v", err)
		}
		return s
	}

	logger.Fatalf("unknown store.type '%s'", typ)
	return nil
}

// initRoutes registers the HTTP routes.
func initRoutes(app *App) http.Handler {
	r := chi.NewRouter()
	r.Get("/", wrap(handleIndex, app))
	r.Get("/ws/{role}/{roomKey}", wrap(handleWS, app))

	// API.
	r.Post("/api/rooms", wrap(handleCreateRoom, app))
	r.Get("/api/rooms/{roomKey}", wrap(handleCheckRoom, app))
	r.Put("/api/rooms/{roomKey}/policy", wrap(handleRegisterPolicy, app))
	r.Get("/api/stats", wrap(handleStats, app))

	// Routes the original browser client calls.
	r.Post("/api/create-room", wrap(handleCreateRoom, app))
	r.Get("/api/check-room", wrap(handleCheckRoom, app))

	r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})
	return r
}

// Catch OS interrupts and respond accordingly.
func catchInterrupts(srv *http.Server, app *App, st registry) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c
		logger.Infof("shutting down: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)

		app.hub.Shutdown()
		if err := st.Close(); err != nil {
			logger.Errorf("error closing store: %v", err)
		}
		os.Exit(0)
	}()
}

func main() {
	// Load configuration from files.
	loadConfig()

	// Initialize global app context.
	app := &App{
		logger: logger,
		fs:     initFS(),
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatalf("error unmarshalling 'app' config: %v", err)
	}
	initLogger(app.cfg)

	minTime := time.Duration(3) * time.Second
	if app.cfg.RoomAge < minTime || app.cfg.WSTimeout < minTime {
		logger.Fatal("app.websocket_timeout and app.room_age should be > 3s")
	}
	if app.cfg.RoomKeyBytes < 16 {
		logger.Fatal("app.room_key_bytes should be >= 16")
	}
	if app.cfg.MaxChunkSize <= 0 {
		logger.Fatal("app.max_chunk_size should be > 0")
	}

	var qCfg quota.Config
	if err := ko.Unmarshal("transfer", &qCfg); err != nil {
		logger.Fatalf("error unmarshalling 'transfer' config: %v", err)
	}

	// Initialize store.
	st := initStore()
	app.hub = hub.NewHub(app.cfg, st, quota.New(qCfg), logger)

	srv := &http.Server{
		Addr:    app.cfg.Address,
		Handler: initRoutes(app),
	}
	catchInterrupts(srv, app, st)

	// Serve over Tor.
	if ko.Bool("tor.enabled") {
		var tCfg torConfig
		if err := ko.Unmarshal("tor", &tCfg); err != nil {
			logger.Fatalf("error unmarshalling 'tor' config: %v", err)
		}
		pk, err := getOrCreatePK(st)
		if err != nil {
			logger.Fatalf("could not create the onion key: %v", err)
		}

		ln, err := net.Listen("tcp", app.cfg.Address)
		if err != nil {
			logger.Fatalf("couldn't listen on %s: %v", app.cfg.Address, err)
		}

		ts := &torServer{cfg: tCfg, PrivateKey: pk, Handler: srv.Handler}
		logger.Infof("starting onion service at http://%s.onion", onionAddr(pk))
		if err := ts.Serve(ln); err != nil {
			logger.Fatalf("couldn't serve onion service: %v", err)
		}
		return
	}

	logger.Infof("starting server on %v", app.cfg.Address)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("couldn't start server: %v", err)
	}

	// Wait for the interrupt handler to finish.
	select {}
}
