package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/growplot/offcache/router"
)

// environment is the runtime configuration injected by the host; flags
// override it.
type environment struct {
	Port      int    `env:"OFFCACHE_PORT" envDefault:"8080"`
	Origin    string `env:"OFFCACHE_ORIGIN"`
	APIBase   string `env:"OFFCACHE_API_BASE" envDefault:"/api/v1"`
	DBFile    string `env:"OFFCACHE_DB" envDefault:"offcache.db"`
	RulesFile string `env:"OFFCACHE_RULES"`
}

var (
	// CLI flags
	portFlag           int
	originFlag         string
	rulesFlag          string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&rulesFlag, "rules", "", "Route rules YAML file (defaults to built-in rules)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Bucket DB file name (use 'memory' for an in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := env.ParseAs[environment]()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot parse environment")
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if rulesFlag != "" {
		cfg.RulesFile = rulesFlag
	}
	if dbFilenameFlag != "" {
		cfg.DBFile = dbFilenameFlag
	}
	if cfg.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	// set up sqlite persistence for the buckets
	dbFilename := cfg.DBFile
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	bucketStore, err := router.NewSQLiteStore(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Str("db", dbFilename).Msg("Cannot open bucket store")
	}
	defer bucketStore.Close()

	rules := router.DefaultRules(cfg.APIBase)
	nav := router.DefaultNavigation()
	if cfg.RulesFile != "" {
		fileCfg, err := router.LoadConfig(cfg.RulesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("Cannot load rules")
		}
		rules = fileCfg.Routes
		if fileCfg.Navigation.Cache != "" {
			nav = fileCfg.Navigation
		}
	}

	rt, err := router.New(router.Options{
		Rules:           rules,
		Navigation:      nav,
		Store:           bucketStore,
		OriginURL:       originURL,
		CleanupInterval: time.Minute,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot create router")
	}
	defer rt.Close()

	mux := chi.NewRouter()
	mux.Get("/-/healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	mux.Post("/-/message", messageHandler(rt.Hub()))
	mux.Get("/-/events", eventsHandler(rt.Hub()))
	mux.Handle("/*", rt)

	log.Info().Msgf("Proxying port %v to %s", cfg.Port, originURL)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), mux); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// messageHandler feeds application control messages into the hub.
func messageHandler(hub *router.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg router.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		if err := hub.Dispatch(msg); err != nil {
			log.Warn().Err(err).Str("type", msg.Type).Msg("Message not dispatched")
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// eventsHandler streams hub broadcasts to a client as server-sent events.
func eventsHandler(hub *router.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		id, ch := hub.Subscribe()
		defer hub.Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
				flusher.Flush()
			}
		}
	}
}
