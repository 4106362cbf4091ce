package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	envPrefix      = "API_"
	defaultEnvFile = ".env"

	// StoreDriverMemory keeps state in process memory.
	StoreDriverMemory = "memory"
	// StoreDriverSQLite persists to an embedded SQLite file.
	StoreDriverSQLite = "sqlite"
	// StoreDriverFirestore persists to Cloud Firestore.
	StoreDriverFirestore = "firestore"
)

// Config captures runtime configuration organised by concern. Every key is read with the
// API_ prefix, e.g. API_SERVER_PORT.
type Config struct {
	ServiceName string            `env:"SERVICE_NAME" envDefault:"stockroom-api"`
	Server      ServerConfig      `envPrefix:"SERVER_"`
	Log         LogConfig         `envPrefix:"LOG_"`
	Store       StoreConfig       `envPrefix:"STORE_"`
	SQLite      SQLiteConfig      `envPrefix:"SQLITE_"`
	Firebase    FirebaseConfig    `envPrefix:"FIREBASE_"`
	Firestore   FirestoreConfig   `envPrefix:"FIRESTORE_"`
	Auth        AuthConfig        `envPrefix:"AUTH_"`
	CORS        CORSConfig        `envPrefix:"CORS_"`
	RateLimit   RateLimitConfig   `envPrefix:"RATE_LIMIT_"`
	Idempotency IdempotencyConfig `envPrefix:"IDEMPOTENCY_"`
	Events      EventsConfig      `envPrefix:"EVENTS_"`
	Exports     ExportsConfig     `envPrefix:"EXPORTS_"`
	Inventory   InventoryConfig   `envPrefix:"INVENTORY_"`
	OTel        OTelConfig        `envPrefix:"OTEL_"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `env:"DRIVER" envDefault:"memory"`
}

type SQLiteConfig struct {
	Path string `env:"PATH" envDefault:"stockroom.db"`
}

type FirebaseConfig struct {
	ProjectID string `env:"PROJECT_ID"`
}

// FirestoreConfig defaults its project to the Firebase project.
type FirestoreConfig struct {
	ProjectID    string `env:"PROJECT_ID"`
	EmulatorHost string `env:"EMULATOR_HOST"`
}

// AuthConfig controls bearer token verification. JWTSecret may be a secret:// reference.
type AuthConfig struct {
	JWTSecret       string `env:"JWT_SECRET"`
	JWTIssuer       string `env:"JWT_ISSUER"`
	FirebaseEnabled bool   `env:"FIREBASE_ENABLED" envDefault:"false"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:5174,http://localhost:3000"`
}

// RateLimitConfig allows Requests per client within each Window.
type RateLimitConfig struct {
	Requests int           `env:"REQUESTS" envDefault:"100"`
	Window   time.Duration `env:"WINDOW" envDefault:"15m"`
}

type IdempotencyConfig struct {
	Header string        `env:"HEADER" envDefault:"Idempotency-Key"`
	TTL    time.Duration `env:"TTL" envDefault:"24h"`
}

// EventsConfig lists the optional external sinks for order status events.
type EventsConfig struct {
	PubSubTopic  string   `env:"PUBSUB_TOPIC"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"order-status"`
	Buffer       int      `env:"BUFFER" envDefault:"16"`
}

type ExportsConfig struct {
	Bucket string `env:"BUCKET"`
}

type InventoryConfig struct {
	LowStockThreshold int `env:"LOW_STOCK_THRESHOLD" envDefault:"10"`
}

type OTelConfig struct {
	ExporterEndpoint string `env:"EXPORTER_ENDPOINT"`
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every missing or invalid field found by Load.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes a failed secret lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the dotenv path; an empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment Load would see: dotenv, then the
// process environment, then WithEnvMap values.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return environment(newLoaderOptions(opts))
}

func environment(options loaderOptions) (map[string]string, error) {
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && key != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load parses, resolves secrets in and validates the configuration.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := environment(options)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: values, Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	cfg.CORS.AllowedOrigins = compact(cfg.CORS.AllowedOrigins)
	cfg.Events.KafkaBrokers = compact(cfg.Events.KafkaBrokers)

	secret, err := resolveSecret(ctx, cfg.Auth.JWTSecret, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Auth.JWTSecret = secret

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UsesFirestore reports whether any configured component needs a Firestore client.
func (c Config) UsesFirestore() bool {
	return c.Store.Driver == StoreDriverFirestore
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref := strings.TrimSpace(value)
	if !IsSecretReference(ref) {
		return value, nil
	}
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	resolved, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(resolved), nil
}

// IsSecretReference reports whether value points at Secret Manager.
func IsSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

func validate(cfg Config) error {
	var invalid []string
	if strings.TrimSpace(cfg.Server.Port) == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.SQLite.Path) == "" {
			invalid = append(invalid, "SQLite.Path")
		}
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	default:
		invalid = append(invalid, "Store.Driver")
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.FirebaseEnabled {
		invalid = append(invalid, "Auth.JWTSecret")
	}
	if cfg.Auth.FirebaseEnabled && cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if cfg.Events.PubSubTopic != "" && cfg.Firebase.ProjectID == "" && cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Events.PubSubTopic")
	}
	if len(cfg.Events.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Events.KafkaTopic) == "" {
		invalid = append(invalid, "Events.KafkaTopic")
	}
	if cfg.RateLimit.Requests <= 0 {
		invalid = append(invalid, "RateLimit.Requests")
	}
	if cfg.RateLimit.Window <= 0 {
		invalid = append(invalid, "RateLimit.Window")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Inventory.LowStockThreshold <= 0 {
		invalid = append(invalid, "Inventory.LowStockThreshold")
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
