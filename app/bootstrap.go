package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"fleet-svc/app/clients"
	"fleet-svc/app/handlers"
	"fleet-svc/app/services"
	"fleet-svc/app/utils"
	"fleet-svc/storage/postgres"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	postgresdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application
type App struct {
	Config      *Config
	Storage     clients.StorageAdapter
	TaskService *services.TaskService
	Logger      *slog.Logger
	Router      *gin.Engine
}

// Bootstrap initializes the application
func Bootstrap() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode,
	)

	// The database may come up after us; retry the initial connection.
	var store *postgres.Store
	err = utils.DefaultRetryPolicy().Execute(func() error {
		var err error
		store, err = postgres.NewStore(connString)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := runMigrations(connString); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Services
	jwtService := services.NewJWTService(cfg.JWTSecret, cfg.JWTExpirationSec)
	keyService := services.NewAPIKeyService(store)
	registryService := services.NewRegistryService(store, keyService, logger)
	heartbeatService := services.NewHeartbeatService(store, logger)
	bootstrapService := services.NewBootstrapService(
		time.Duration(cfg.SSHConnectTimeoutSec)*time.Second,
		time.Duration(cfg.SSHCommandTimeoutSec)*time.Second,
		time.Duration(cfg.SSHInstallTimeoutSec)*time.Second,
		logger,
	)
	taskService := services.NewTaskService(store, bootstrapService, cfg.ControllerURL, cfg.RegistrationToken, cfg.QueueSize, logger)
	reconcileService := services.NewReconcileService(store, time.Duration(cfg.HeartbeatStalenessSec)*time.Second, logger)
	scalingService := services.NewScalingService(store, taskService,
		float64(cfg.ScaleUpThresholdPct), float64(cfg.ScaleDownThresholdPct), logger)

	// Handlers
	agentHandler := handlers.NewAgentHandler(registryService, heartbeatService, taskService, cfg.RegistrationToken)
	adminHandler := handlers.NewAdminHandler(handlers.AdminHandlerConfig{
		Registry:          registryService,
		Keys:              keyService,
		Bootstrap:         bootstrapService,
		Tasks:             taskService,
		Heartbeats:        heartbeatService,
		Reconciler:        reconcileService,
		Scaler:            scalingService,
		JWTService:        jwtService,
		OperatorUser:      cfg.OperatorUser,
		OperatorPassword:  cfg.OperatorPassword,
		ControllerURL:     cfg.ControllerURL,
		RegistrationToken: cfg.RegistrationToken,
		StalenessSec:      cfg.HeartbeatStalenessSec,
		DrainBatchSize:    cfg.DrainBatchSize,
	})
	healthHandler := handlers.NewHealthHandler(store)

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Registration-Token", "X-Cron-Secret"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	setupRoutes(router, cfg, agentHandler, adminHandler, healthHandler, keyService, jwtService)

	return &App{
		Config:      cfg,
		Storage:     store,
		TaskService: taskService,
		Logger:      logger,
		Router:      router,
	}, nil
}

// runMigrations runs database migrations using golang-migrate
func runMigrations(connString string) error {
	// golang-migrate expects a database/sql driver, so the pgx stdlib
	// adapter is used for this one connection.
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	driver, err := postgresdriver.WithInstance(db, &postgresdriver.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://storage/postgres/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// setupRoutes configures HTTP routes
func setupRoutes(router *gin.Engine, cfg *Config, agentHandler *handlers.AgentHandler, adminHandler *handlers.AdminHandler, healthHandler *handlers.HealthHandler, keyService *services.APIKeyService, jwtService *services.JWTService) {
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Agent endpoints. Registration is guarded by the shared
	// registration token; everything else by the agent's bearer key.
	agent := router.Group("/agent")
	{
		agent.POST("/register", agentHandler.Register)

		authed := agent.Group("", handlers.AgentAuth(keyService))
		authed.POST("/heartbeat", agentHandler.Heartbeat)
		authed.GET("/tasks", agentHandler.ListTasks)
		authed.POST("/tasks/:task_id/complete", agentHandler.CompleteTask)
		authed.POST("/tasks/:task_id/fail", agentHandler.FailTask)
	}

	// Operator endpoints.
	admin := router.Group("/admin")
	{
		admin.POST("/login", adminHandler.Login)

		authed := admin.Group("", handlers.OperatorAuth(jwtService))
		authed.POST("/machines", adminHandler.CreateMachine)
		authed.GET("/machines", adminHandler.ListMachines)
		authed.GET("/machines/:machine_id", adminHandler.GetMachine)
		authed.POST("/machines/:machine_id/test-ssh", adminHandler.TestSSH)
		authed.POST("/machines/:machine_id/install-agent", adminHandler.InstallAgent)

		authed.GET("/agents", adminHandler.ListAgents)
		authed.POST("/agents/:agent_id/regenerate-key", adminHandler.RegenerateKey)
		authed.POST("/agents/:agent_id/reinstall", adminHandler.ReinstallAgent)

		authed.POST("/tasks", adminHandler.CreateTask)
		authed.GET("/tasks", adminHandler.ListTasks)
		authed.GET("/tasks/:task_id", adminHandler.GetTask)

		authed.POST("/servers", adminHandler.CreateServer)
		authed.GET("/servers", adminHandler.ListServers)
		authed.GET("/servers/:server_id", adminHandler.GetServer)
		authed.POST("/servers/:server_id/sync-status", adminHandler.SyncStatus)
		authed.GET("/servers/:server_id/scaling", adminHandler.CheckScaling)
		authed.POST("/servers/:server_id/scaling", adminHandler.Scale)

		admin.POST("/system/cron", handlers.CronAuth(jwtService, cfg.CronSecret), adminHandler.Cron)
	}
}
