package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"

	"github.com/storekit/storeauth/pkg/account"
	"github.com/storekit/storeauth/pkg/login"
	loginapi "github.com/storekit/storeauth/pkg/login/api"
	"github.com/storekit/storeauth/pkg/notification"
	"github.com/storekit/storeauth/pkg/ratelimit"
	"github.com/storekit/storeauth/pkg/tokengenerator"
	"github.com/storekit/storeauth/pkg/twofa"
	twofaapi "github.com/storekit/storeauth/pkg/twofa/api"
)

type DbConfig struct {
	Host     string `env:"AUTH_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"AUTH_PG_PORT" env-default:"5432"`
	Database string `env:"AUTH_PG_DATABASE" env-default:"storeauth_db"`
	User     string `env:"AUTH_PG_USER" env-default:"storeauth"`
	Password string `env:"AUTH_PG_PASSWORD" env-default:"pwd"`
}

func (d DbConfig) toDbConfig() dbutils.DbConfig {
	return dbutils.DbConfig{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		User:     d.User,
		Password: d.Password,
	}
}

type StorageConfig struct {
	// "postgres" or "file"
	Backend string `env:"STORAGE_BACKEND" env-default:"postgres"`
	DataDir string `env:"STORAGE_DATA_DIR" env-default:"./data"`
}

type JwtConfig struct {
	JwtSecret      string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Issuer         string `env:"JWT_ISSUER" env-default:"storeauth"`
	Audience       string `env:"JWT_AUDIENCE" env-default:"storeauth"`
	CookieHttpOnly bool   `env:"COOKIE_HTTP_ONLY" env-default:"true"`
	CookieSecure   bool   `env:"COOKIE_SECURE" env-default:"false"`
}

type EmailConfig struct {
	Host     string `env:"EMAIL_HOST" env-default:"localhost"`
	Port     int    `env:"EMAIL_PORT" env-default:"1025"`
	Username string `env:"EMAIL_USERNAME"`
	Password string `env:"EMAIL_PASSWORD"`
	From     string `env:"EMAIL_FROM" env-default:"noreply@example.com"`
	TLS      bool   `env:"EMAIL_TLS" env-default:"false"`
}

type TwofaConfig struct {
	Issuer             string        `env:"TWOFA_ISSUER" env-default:"StoreKit"`
	SetupWindow        time.Duration `env:"TWOFA_SETUP_WINDOW" env-default:"10m"`
	CodeTTL            time.Duration `env:"TWOFA_CODE_TTL" env-default:"5m"`
	ResendInterval     time.Duration `env:"TWOFA_RESEND_INTERVAL" env-default:"60s"`
	PendingTokenExpiry time.Duration `env:"TWOFA_PENDING_TOKEN_EXPIRY" env-default:"10m"`
}

type RedisConfig struct {
	// Empty Addr keeps rate-limit counters in process memory
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

type Config struct {
	DbConfig      DbConfig
	StorageConfig StorageConfig
	AppConfig     app.AppConfig
	JwtConfig     JwtConfig
	EmailConfig   EmailConfig
	TwofaConfig   TwofaConfig
	RedisConfig   RedisConfig
	BaseUrl       string `env:"BASE_URL" env-default:"http://localhost:4000"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	loadEnvFile()

	config := Config{}
	cleanenv.ReadEnv(&config)

	server := app.DefaultApp()

	// Middleware must be attached before any route is registered
	rateLimitConfig := ratelimit.DefaultConfig()
	rateLimitConfig.EndpointLimits = ratelimit.AuthEndpointLimits("/api")
	server.R.Use(ratelimit.NewMiddleware(rateLimitConfig, newCounterStore(config.RedisConfig)).Handler)

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	repo := newAccountRepository(config)

	notificationManager, err := notification.NewNotificationManagerWithOptions(
		config.BaseUrl,
		notification.WithSMTP(notification.SMTPConfig{
			Host:     config.EmailConfig.Host,
			Port:     config.EmailConfig.Port,
			Username: config.EmailConfig.Username,
			Password: config.EmailConfig.Password,
			From:     config.EmailConfig.From,
			TLS:      config.EmailConfig.TLS,
		}),
		notification.WithDefaultTemplates(),
	)
	if err != nil {
		slog.Error("Failed creating notification manager", "error", err)
		os.Exit(-1)
	}

	jwtService := tokengenerator.NewJwtService(
		tokengenerator.WithDefaultTokenGenerator(
			tokengenerator.NewJwtTokenGenerator(config.JwtConfig.JwtSecret, config.JwtConfig.Issuer, config.JwtConfig.Audience)),
		tokengenerator.WithTokenGenerator(tokengenerator.TEMP_TOKEN_NAME,
			tokengenerator.NewTempTokenGenerator(config.JwtConfig.JwtSecret, config.JwtConfig.Issuer, config.JwtConfig.Audience)),
		tokengenerator.WithDefaultCookieSetter(
			tokengenerator.NewCookieSetter(config.JwtConfig.CookieHttpOnly, config.JwtConfig.CookieSecure)),
		tokengenerator.WithTempTokenExpiry(config.TwofaConfig.PendingTokenExpiry),
	)

	passwordHasher := login.NewBcryptHasher()

	twoFaService := twofa.NewTwoFaService(repo,
		twofa.WithNotificationManager(notificationManager),
		twofa.WithTokenService(jwtService),
		twofa.WithPasswordVerifier(passwordHasher),
		twofa.WithIssuer(config.TwofaConfig.Issuer),
		twofa.WithSetupWindow(config.TwofaConfig.SetupWindow),
		twofa.WithCodeTTL(config.TwofaConfig.CodeTTL),
		twofa.WithResendInterval(config.TwofaConfig.ResendInterval),
	)

	loginService := login.NewLoginService(repo,
		login.WithNotificationManager(notificationManager),
		login.WithJwtService(jwtService),
		login.WithPasswordHasher(passwordHasher),
	)

	loginHandle := loginapi.NewHandle(loginService, twoFaService, jwtService)
	server.R.Mount("/api/auth", loginapi.Routes(loginHandle))

	tokenAuth := jwtauth.New("HS256", []byte(config.JwtConfig.JwtSecret), nil)

	twoFaHandle := twofaapi.NewHandle(twoFaService)
	server.R.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(tokenAuth))
		r.Use(jwtauth.Authenticator(tokenAuth))
		r.Mount("/api/2fa", twofaapi.Routes(twoFaHandle))
	})

	server.Run()
}

func newAccountRepository(config Config) account.AccountRepository {
	switch config.StorageConfig.Backend {
	case "file":
		repo, err := account.NewFileAccountRepository(config.StorageConfig.DataDir)
		if err != nil {
			slog.Error("Failed creating file repository", "dir", config.StorageConfig.DataDir, "error", err)
			os.Exit(-1)
		}
		slog.Info("Using file-backed account storage", "dir", config.StorageConfig.DataDir)
		return repo
	default:
		dbConfig := config.DbConfig.toDbConfig()
		pool, err := dbutils.NewDbPool(context.Background(), dbConfig)
		if err != nil {
			slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User)
			os.Exit(-1)
		}
		return account.NewPostgresAccountRepository(pool)
	}
}

func newCounterStore(config RedisConfig) ratelimit.CounterStore {
	if config.Addr == "" {
		return ratelimit.NewMemoryCounterStore(time.Minute)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	slog.Info("Using Redis-backed rate limit counters", "addr", config.Addr)
	return ratelimit.NewRedisCounterStore(client, "storeauth")
}

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() {
	execPath, err := os.Executable()
	if err != nil {
		return
	}

	execDir := filepath.Dir(execPath)
	envFile := filepath.Join(execDir, ".env")

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		cwd, _ := os.Getwd()
		envFile = filepath.Join(cwd, ".env")
	}

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		slog.Debug("No .env file found (using environment variables or defaults)")
		return
	}

	slog.Info("Loading configuration from .env file", "path", envFile)
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}
}
