package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fair_platform/cmd/migration/versions"
	"fair_platform/core/auth"
	"fair_platform/core/dispatch"
	"fair_platform/core/events"
	"fair_platform/core/feedback"
	"fair_platform/core/lifecycle"
	"fair_platform/core/services"
	"fair_platform/core/storage"
	"fair_platform/core/store"
	"fair_platform/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// coreEnv holds every variable the service reads. All configuration enters
// here so it is clear what is exposed and where the values go.
type coreEnv struct {
	ShareDir  string `env:"SHARE_DIR,required"`
	JwtSecret string `env:"JWT_SECRET,required"`

	// Empty runs on a sqlite file under the share dir.
	DatabaseUri string `env:"DATABASE_URI"`

	IdentityProvider string   `env:"IDENTITY_PROVIDER" envDefault:"osm"`
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	Kubeconfig string `env:"KUBECONFIG"`

	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"fair:status"`

	RequeueBudget      int           `env:"REQUEUE_BUDGET" envDefault:"3"`
	StatusSyncInterval time.Duration `env:"STATUS_SYNC_INTERVAL" envDefault:"10s"`
	TokenCacheTtl      time.Duration `env:"TOKEN_CACHE_TTL" envDefault:"5m"`
	JobTokenTtl        time.Duration `env:"JOB_TOKEN_TTL" envDefault:"48h"`
	ThresholdsFile     string        `env:"FEEDBACK_THRESHOLDS_FILE"`

	Osm        auth.OsmConfig
	Keycloak   auth.KeycloakArgs
	Kubernetes dispatch.KubernetesArgs
	Thresholds feedback.Thresholds
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	if err := godotenv.Load(envFile); err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func loadEnv() coreEnv {
	var cfg coreEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error loading env: %v", err)
	}

	if cfg.Kubernetes.ShareDir == "" {
		cfg.Kubernetes.ShareDir = cfg.ShareDir
	}
	if cfg.Kubernetes.TrainingImage == "" || cfg.Kubernetes.CallbackUrl == "" {
		log.Fatal("TRAINING_IMAGE and CALLBACK_URL must be specified")
	}
	if cfg.Kubernetes.CorrectionImage == "" {
		cfg.Kubernetes.CorrectionImage = cfg.Kubernetes.TrainingImage
	}

	if cfg.ThresholdsFile != "" {
		thresholds, err := feedback.LoadThresholds(cfg.ThresholdsFile)
		if err != nil {
			log.Fatal(err)
		}
		cfg.Thresholds = thresholds
	} else if err := cfg.Thresholds.Validate(); err != nil {
		log.Fatalf("invalid feedback thresholds: %v", err)
	}

	return cfg
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.SetDefault(logging.NewLogger(io.MultiWriter(logFile, os.Stderr), logging.SYSTEM))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(cfg *coreEnv) *gorm.DB {
	var dialector gorm.Dialector
	if cfg.DatabaseUri != "" {
		dialector = postgres.Open(cfg.DatabaseUri)
	} else {
		path := filepath.Join(cfg.ShareDir, "fair.db")
		slog.Warn("DATABASE_URI not set, using sqlite", "path", path)
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := versions.Migrate(db); err != nil {
		log.Fatal(err)
	}

	return db
}

func initKubernetes(kubeconfig string) kubernetes.Interface {
	var config *rest.Config
	var err error
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		log.Fatalf("error loading kubernetes config: %v", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		log.Fatalf("error creating kubernetes client: %v", err)
	}
	return clientset
}

func initIdentityProvider(cfg *coreEnv) auth.IdentityProvider {
	switch cfg.IdentityProvider {
	case "keycloak":
		provider, err := auth.NewKeycloakProvider(cfg.Keycloak)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
		return provider
	case "osm":
		provider, err := auth.NewOsmTokenProvider(cfg.Osm)
		if err != nil {
			log.Fatalf("error creating osm identity provider: %v", err)
		}
		return provider
	}
	log.Fatalf("invalid IDENTITY_PROVIDER '%v', expected osm or keycloak", cfg.IdentityProvider)
	return nil
}

func initPublisher(cfg *coreEnv) events.Publisher {
	if cfg.RedisAddr == "" {
		return events.NewNoopPublisher()
	}
	publisher, err := events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisChannel)
	if err != nil {
		log.Fatalf("error connecting to redis: %v", err)
	}
	return publisher
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	cfg := loadEnv()

	if err := os.MkdirAll(filepath.Join(cfg.ShareDir, "logs/"), 0777); err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.ShareDir, "logs/fair_core.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(cfg.ShareDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile)

	entityStore := store.New(initDb(&cfg))
	sharedStorage := storage.NewSharedDisk(cfg.ShareDir)

	jobAuth := auth.NewJwtManager([]byte(cfg.JwtSecret), cfg.JobTokenTtl)
	dispatcher := dispatch.NewKubernetesDispatcher(initKubernetes(cfg.Kubeconfig), sharedStorage, jobAuth, cfg.Kubernetes)

	publisher := initPublisher(&cfg)
	defer publisher.Close()

	aggregator := feedback.NewAggregator(entityStore, dispatcher, cfg.Thresholds)
	engine := lifecycle.New(entityStore, dispatcher, lifecycle.Options{
		Publisher:   publisher,
		Corrections: aggregator,
	})

	userAuth := auth.NewAuthenticator(initIdentityProvider(&cfg), entityStore, cfg.TokenCacheTtl)

	fair := services.NewFair(
		entityStore, engine, aggregator, sharedStorage, userAuth, jobAuth,
		auth.NewAuditLogger(auditLog),
		services.Variables{RequeueBudget: cfg.RequeueBudget},
	)

	go engine.JobStatusSync(cfg.StatusSyncInterval)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", fair.Routes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
	engine.StopJobStatusSync()
}
