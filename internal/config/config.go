package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Mode selects how far back an account listing reaches
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Config holds every tunable of a sync run
type Config struct {
	Mode         Mode      `validate:"oneof=full incremental"`
	EarliestDate time.Time `validate:"required"`
	StartDate    time.Time

	// Pacing
	RateLimitDelay     time.Duration `validate:"gte=0"`
	UploadDelay        time.Duration `validate:"gte=0"`
	BatchSize          int           `validate:"gte=1"`
	BatchDelay         time.Duration `validate:"gte=0"`
	CheckpointInterval int           `validate:"gte=0"`
	MaxRetries         int           `validate:"gte=1"`
	BackoffBase        time.Duration `validate:"gt=0"`
	BackoffMax         time.Duration `validate:"gtefield=BackoffBase"`
	BackoffJitter      float64       `validate:"gte=0,lte=1"`

	// Busy window
	BusinessHoursSlowdown bool
	BusinessStart         int           `validate:"gte=0,lte=23"`
	BusinessEnd           int           `validate:"gte=0,lte=24"`
	BusinessHoursDelay    time.Duration `validate:"gte=0"`
	BusinessTimezone      string        `validate:"timezone"`

	// Scope
	DryRun                  bool
	IncludeOnly             []string `validate:"dive,email"`
	DomainFilter            string
	MaxAccounts             int `validate:"gte=0"`
	MaxMessagesPerAccount   int `validate:"gte=0"`
	PageSize                int `validate:"gte=1,lte=500"`
	Concurrency             int `validate:"gte=1"`
	IndexEmails             bool
	VerifyRemoteOnColdStart bool
	MaxMessageBytes         int64 `validate:"gt=0"`

	// Source
	SourceProvider   string `validate:"oneof=google microsoft"`
	GoogleSAJSON     string `validate:"required_if=SourceProvider google"`
	GoogleAdmin      string `validate:"required_if=SourceProvider google"`
	GoogleCustomer   string
	GraphAccessToken string `validate:"required_if=SourceProvider microsoft"`

	// Destination
	StorageBackend   string `validate:"oneof=s3 minio"`
	Bucket           string `validate:"required"`
	ArchiveRoot      string `validate:"required"`
	S3Region         string
	S3Endpoint       string
	S3ForcePathStyle bool
	MinioEndpoint    string `validate:"required_if=StorageBackend minio"`
	MinioAccessKey   string
	MinioSecretKey   string
	MinioUseSSL      bool
	PrincipalMapFile string

	// Local state
	StateDir       string `validate:"required"`
	CheckpointDB   string
	IndexDB        string
	NatsURL        string
	HTTPAddr       string
	SearchJWKSURL  string
	SearchAudience string
	SearchIssuer   string
	LogLevel       string `validate:"oneof=trace debug info warn error"`
	LogFormat      string `validate:"oneof=json text"`
}

// Load reads .env (if present) and the process environment into a validated Config
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load .env file: %v", err)
	}

	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from a lookup function, applying defaults
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		Mode:                    Mode(strings.ToLower(e.str("BACKUP_MODE", "full"))),
		EarliestDate:            e.date("EARLIEST_DATE", "2004-01-01"),
		StartDate:               e.date("START_DATE", ""),
		RateLimitDelay:          e.duration("RATE_LIMIT_DELAY", "200ms"),
		UploadDelay:             e.duration("UPLOAD_DELAY", "500ms"),
		BatchSize:               e.int("BATCH_SIZE", 50),
		BatchDelay:              e.duration("BATCH_DELAY", "2s"),
		CheckpointInterval:      e.int("CHECKPOINT_INTERVAL", 10),
		MaxRetries:              e.int("MAX_RETRIES", 5),
		BackoffBase:             e.duration("BACKOFF_BASE", "1s"),
		BackoffMax:              e.duration("BACKOFF_MAX", "512s"),
		BackoffJitter:           e.float("BACKOFF_JITTER", 0.1),
		BusinessHoursSlowdown:   e.bool("BUSINESS_HOURS_SLOWDOWN", false),
		BusinessStart:           e.int("BUSINESS_START", 9),
		BusinessEnd:             e.int("BUSINESS_END", 17),
		BusinessHoursDelay:      e.duration("BUSINESS_HOURS_DELAY", "1s"),
		BusinessTimezone:        e.str("BUSINESS_TIMEZONE", "UTC"),
		DryRun:                  e.bool("DRY_RUN", false),
		IncludeOnly:             e.list("INCLUDE_ONLY_EMAILS"),
		DomainFilter:            strings.ToLower(e.str("USER_DOMAIN_FILTER", "")),
		MaxAccounts:             e.int("MAX_USERS", 0),
		MaxMessagesPerAccount:   e.int("MAX_MESSAGES_PER_USER", 0),
		PageSize:                e.int("PAGE_SIZE", 100),
		Concurrency:             e.int("CONCURRENCY", 1),
		IndexEmails:             e.bool("INDEX_EMAILS", true),
		VerifyRemoteOnColdStart: e.bool("VERIFY_REMOTE_ON_COLD_START", true),
		MaxMessageBytes:         int64(e.int("MAX_MESSAGE_BYTES", 50*1024*1024)),
		SourceProvider:          strings.ToLower(e.str("SOURCE_PROVIDER", "google")),
		GoogleSAJSON:            e.str("GOOGLE_SA_JSON", ""),
		GoogleAdmin:             e.str("GOOGLE_DELEGATED_ADMIN", ""),
		GoogleCustomer:          e.str("GOOGLE_CUSTOMER", "my_customer"),
		GraphAccessToken:        e.str("MS_GRAPH_ACCESS_TOKEN", ""),
		StorageBackend:          strings.ToLower(e.str("STORAGE_BACKEND", "s3")),
		Bucket:                  e.str("ARCHIVE_BUCKET", ""),
		ArchiveRoot:             strings.Trim(e.str("ARCHIVE_ROOT", "email-archive"), "/"),
		S3Region:                e.str("S3_REGION", ""),
		S3Endpoint:              e.str("S3_ENDPOINT", ""),
		S3ForcePathStyle:        e.bool("S3_FORCE_PATH_STYLE", false),
		MinioEndpoint:           e.str("MINIO_ENDPOINT", ""),
		MinioAccessKey:          e.str("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:          e.str("MINIO_SECRET_KEY", ""),
		MinioUseSSL:             e.bool("MINIO_USE_SSL", true),
		PrincipalMapFile:        e.str("PRINCIPAL_MAP_FILE", ""),
		StateDir:                e.str("STATE_DIR", "data"),
		NatsURL:                 e.str("NATS_URL", ""),
		HTTPAddr:                e.str("HTTP_ADDR", ":8080"),
		SearchJWKSURL:           e.str("SEARCH_JWKS_URL", ""),
		SearchAudience:          e.str("SEARCH_JWT_AUDIENCE", ""),
		SearchIssuer:            e.str("SEARCH_JWT_ISSUER", ""),
		LogLevel:                strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(e.str("LOG_FORMAT", "json")),
	}
	cfg.CheckpointDB = e.str("CHECKPOINT_DB", filepath.Join(cfg.StateDir, "checkpoints.db"))
	cfg.IndexDB = e.str("INDEX_DB", filepath.Join(cfg.StateDir, "email_index.db"))

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(e.errs, "; "))
	}
	return cfg, nil
}

// Validate rejects inconsistent settings before any account is processed
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.BusinessHoursSlowdown && c.BusinessStart >= c.BusinessEnd {
		return fmt.Errorf("invalid configuration: BUSINESS_START (%d) must be before BUSINESS_END (%d)", c.BusinessStart, c.BusinessEnd)
	}
	if !c.StartDate.IsZero() && c.StartDate.Before(c.EarliestDate) {
		return fmt.Errorf("invalid configuration: START_DATE is before EARLIEST_DATE")
	}
	return nil
}

// Location returns the busy-window time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IncrementalStart is the lower bound used by an incremental account without a watermark
func (c *Config) IncrementalStart() time.Time {
	if !c.StartDate.IsZero() {
		return c.StartDate
	}
	return c.EarliestDate
}

// env collects parse errors instead of failing on the first one
type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	raw := strings.ToLower(e.str(key, ""))
	switch raw {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	e.errs = append(e.errs, fmt.Sprintf("%s: invalid boolean %q", key, raw))
	return def
}

// duration accepts Go syntax ("500ms") or plain seconds ("0.5")
func (e *env) duration(key, def string) time.Duration {
	raw := e.str(key, def)
	d, err := ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		d, _ = ParseDuration(def)
	}
	return d
}

func (e *env) date(key, def string) time.Time {
	raw := e.str(key, def)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: expected YYYY-MM-DD: %v", key, err))
		return time.Time{}
	}
	return t
}

func (e *env) list(key string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseDuration parses a Go duration string or a float number of seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
