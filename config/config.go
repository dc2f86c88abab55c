package config

import (
	"fmt"
	"strings"
	"time"

	"accountguard/model"
	"accountguard/utils"

	"github.com/go-playground/validator/v10"
)

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config is assembled once at startup and handed to constructors; nothing in
// the service reads the environment after Load.
type Config struct {
	Env         string
	Port        string `validate:"required"`
	LogLevel    string
	StoreDriver string `validate:"oneof=mongo memory"`
	RedisURL    string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	NATS        NATSConfig
	JWT         JWTConfig
	Session     SessionConfig
	Trust       TrustConfig
	StepUp      StepUpConfig
	Verify      VerificationConfig
	Alerts      AlertConfig
}

type HTTPConfig struct {
	AllowedOrigins []string
	RequestsPerSec int   `validate:"gt=0"`
	Burst          int   `validate:"gt=0"`
	MaxBodyBytes   int64 `validate:"gt=0"`
}

type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string `validate:"required"`
}

type JWTConfig struct {
	SecretKey string `validate:"required,min=16"`
	Issuer    string
}

type SessionConfig struct {
	CookieName    string `validate:"required"`
	CookieDomain  string
	Secure        bool
	Duration      time.Duration `validate:"gt=0"`
	TouchInterval time.Duration
}

type TrustConfig struct {
	HighThreshold   int `validate:"gte=0,lte=100"`
	MediumThreshold int `validate:"gte=0,lte=100,ltefield=HighThreshold"`
}

type StepUpConfig struct {
	DefaultGrace time.Duration `validate:"gt=0"`
	Overrides    map[string]time.Duration
}

// GracePeriod returns the freshness window for an action class.
func (c StepUpConfig) GracePeriod(action string) time.Duration {
	if d, ok := c.Overrides[action]; ok {
		return d
	}
	return c.DefaultGrace
}

type VerificationConfig struct {
	EnabledMethods   []model.Method `validate:"dive,oneof=authenticator sms backup_codes password email"`
	ChallengeTTL     time.Duration  `validate:"gt=0"`
	EmailCodeTTL     time.Duration  `validate:"gt=0"`
	CodeDigits       int            `validate:"gte=6,lte=10"`
	AttemptLimit     int            `validate:"gt=0"`
	AttemptWindow    time.Duration  `validate:"gt=0"`
	SMSPerUserPerDay int            `validate:"gt=0"`
	SMSPerIPLimit    int            `validate:"gt=0"`
	SMSPerIPWindow   time.Duration  `validate:"gt=0"`
	BackupCodeCount  int            `validate:"gte=1,lte=50"`
	BackupCodeFormat string         `validate:"oneof=words alphanumeric"`
	BackupCodeLength int            `validate:"gte=6,lte=32"`
	TOTPIssuer       string         `validate:"required"`
}

// Enabled reports whether m is switched on for this deployment.
func (c VerificationConfig) Enabled(m model.Method) bool {
	for _, enabled := range c.EnabledMethods {
		if enabled == m {
			return true
		}
	}
	return false
}

type AlertConfig struct {
	DeviceAlerts bool
}

// Default returns a complete configuration without consulting the
// environment.
func Default() Config {
	return Config{
		Env:         "development",
		Port:        "8080",
		LogLevel:    "info",
		StoreDriver: StoreMemory,
		HTTP: HTTPConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			RequestsPerSec: 20,
			Burst:          40,
			MaxBodyBytes:   1 << 20,
		},
		Database: DatabaseConfig{
			URI:             "mongodb://localhost:27017",
			MaxPoolSize:     100,
			MinPoolSize:     10,
			MaxConnIdleTime: 60 * time.Second,
			DatabaseName:    "accountguard",
			RetryWrites:     true,
		},
		NATS: NATSConfig{
			Name:          "accountguard",
			SubjectPrefix: "accountguard.notifications",
		},
		JWT: JWTConfig{
			SecretKey: "development-secret-key",
			Issuer:    "accountguard",
		},
		Session: SessionConfig{
			CookieName:    "device_session_id",
			Duration:      30 * 24 * time.Hour,
			TouchInterval: time.Minute,
		},
		Trust: TrustConfig{
			HighThreshold:   80,
			MediumThreshold: 50,
		},
		StepUp: StepUpConfig{
			DefaultGrace: 10 * time.Minute,
			Overrides:    map[string]time.Duration{},
		},
		Verify: VerificationConfig{
			EnabledMethods:   append([]model.Method(nil), model.AllMethods...),
			ChallengeTTL:     5 * time.Minute,
			EmailCodeTTL:     10 * time.Minute,
			CodeDigits:       6,
			AttemptLimit:     10,
			AttemptWindow:    15 * time.Minute,
			SMSPerUserPerDay: 5,
			SMSPerIPLimit:    10,
			SMSPerIPWindow:   time.Hour,
			BackupCodeCount:  10,
			BackupCodeFormat: utils.BackupCodeFormatAlphanumeric,
			BackupCodeLength: 10,
			TOTPIssuer:       "AccountGuard",
		},
		Alerts: AlertConfig{
			DeviceAlerts: true,
		},
	}
}

// Load reads the environment on top of Default and validates the result.
func Load() (Config, error) {
	cfg := Default()
	d := cfg

	cfg.Env = utils.GetEnvAsString("GO_ENV", d.Env)
	cfg.Port = utils.GetEnvAsString("PORT", d.Port)
	cfg.LogLevel = utils.GetEnvAsString("LOG_LEVEL", d.LogLevel)
	cfg.StoreDriver = utils.GetEnvAsString("STORE_DRIVER", StoreMongo)
	cfg.RedisURL = utils.GetEnvAsString("REDIS_URL", "")
	cfg.Database = LoadDatabaseConfig()

	cfg.HTTP = HTTPConfig{
		AllowedOrigins: utils.GetEnvAsList("CORS_ALLOWED_ORIGINS", d.HTTP.AllowedOrigins),
		RequestsPerSec: utils.GetEnvAsInt("HTTP_RATE_LIMIT", d.HTTP.RequestsPerSec),
		Burst:          utils.GetEnvAsInt("HTTP_RATE_BURST", d.HTTP.Burst),
		MaxBodyBytes:   int64(utils.GetEnvAsInt("HTTP_MAX_BODY_BYTES", int(d.HTTP.MaxBodyBytes))),
	}

	cfg.NATS = NATSConfig{
		URL:           utils.GetEnvAsString("NATS_URL", ""),
		Name:          utils.GetEnvAsString("NATS_CLIENT_NAME", d.NATS.Name),
		SubjectPrefix: utils.GetEnvAsString("NATS_SUBJECT_PREFIX", d.NATS.SubjectPrefix),
	}

	cfg.JWT = JWTConfig{
		SecretKey: utils.GetEnvAsString("JWT_SECRET_KEY", ""),
		Issuer:    utils.GetEnvAsString("JWT_ISSUER", d.JWT.Issuer),
	}

	cfg.Session = SessionConfig{
		CookieName:    utils.GetEnvAsString("DEVICE_SESSION_COOKIE", d.Session.CookieName),
		CookieDomain:  utils.GetEnvAsString("DEVICE_SESSION_COOKIE_DOMAIN", ""),
		Secure:        utils.GetEnvAsBool("DEVICE_SESSION_COOKIE_SECURE", cfg.Env == "production"),
		Duration:      utils.GetEnvAsDuration("DEVICE_SESSION_DURATION", d.Session.Duration),
		TouchInterval: utils.GetEnvAsDuration("DEVICE_SESSION_TOUCH_INTERVAL", d.Session.TouchInterval),
	}

	cfg.Trust = TrustConfig{
		HighThreshold:   utils.GetEnvAsInt("TRUST_HIGH_THRESHOLD", d.Trust.HighThreshold),
		MediumThreshold: utils.GetEnvAsInt("TRUST_MEDIUM_THRESHOLD", d.Trust.MediumThreshold),
	}

	overrides, err := ParseGraceOverrides(utils.GetEnvAsString("STEP_UP_GRACE_OVERRIDES", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.StepUp = StepUpConfig{
		DefaultGrace: utils.GetEnvAsDuration("STEP_UP_GRACE_PERIOD", d.StepUp.DefaultGrace),
		Overrides:    overrides,
	}

	methods := utils.GetEnvAsList("VERIFICATION_METHODS", nil)
	enabled := d.Verify.EnabledMethods
	if methods != nil {
		enabled = make([]model.Method, 0, len(methods))
		for _, m := range methods {
			enabled = append(enabled, model.Method(strings.ToLower(m)))
		}
	}
	cfg.Verify = VerificationConfig{
		EnabledMethods:   enabled,
		ChallengeTTL:     utils.GetEnvAsDuration("CHALLENGE_TTL", d.Verify.ChallengeTTL),
		EmailCodeTTL:     utils.GetEnvAsDuration("EMAIL_CODE_TTL", d.Verify.EmailCodeTTL),
		CodeDigits:       utils.GetEnvAsInt("VERIFICATION_CODE_DIGITS", d.Verify.CodeDigits),
		AttemptLimit:     utils.GetEnvAsInt("VERIFY_ATTEMPTS_LIMIT", d.Verify.AttemptLimit),
		AttemptWindow:    utils.GetEnvAsDuration("VERIFY_ATTEMPTS_WINDOW", d.Verify.AttemptWindow),
		SMSPerUserPerDay: utils.GetEnvAsInt("SMS_PER_USER_PER_DAY", d.Verify.SMSPerUserPerDay),
		SMSPerIPLimit:    utils.GetEnvAsInt("SMS_PER_IP_LIMIT", d.Verify.SMSPerIPLimit),
		SMSPerIPWindow:   utils.GetEnvAsDuration("SMS_PER_IP_WINDOW", d.Verify.SMSPerIPWindow),
		BackupCodeCount:  utils.GetEnvAsInt("BACKUP_CODE_COUNT", d.Verify.BackupCodeCount),
		BackupCodeFormat: utils.GetEnvAsString("BACKUP_CODE_FORMAT", d.Verify.BackupCodeFormat),
		BackupCodeLength: utils.GetEnvAsInt("BACKUP_CODE_LENGTH", d.Verify.BackupCodeLength),
		TOTPIssuer:       utils.GetEnvAsString("TOTP_ISSUER", d.Verify.TOTPIssuer),
	}

	cfg.Alerts = AlertConfig{
		DeviceAlerts: utils.GetEnvAsBool("DEVICE_ALERTS_ENABLED", d.Alerts.DeviceAlerts),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct rules and the cross-field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ParseGraceOverrides parses "action=duration" pairs separated by commas,
// e.g. "revoke_device=5m,change_password=15m".
func ParseGraceOverrides(raw string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		action, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("grace override %q: expected action=duration", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("grace override %q: %w", pair, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("grace override %q: duration must be positive", pair)
		}
		out[strings.TrimSpace(action)] = d
	}
	return out, nil
}
