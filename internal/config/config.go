package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const (
	DefaultDevicePort      = 4370
	DefaultIntervalMinutes = 5
	DefaultAuthScheme      = "Token"
	DefaultMinUserIDLength = 6
	DefaultConnectTimeout  = 10
	DefaultHTTPTimeout     = 30
)

// Config is the persisted sync configuration. JSON keys are the on-disk
// document keys; unknown keys in the document are carried by Store.
type Config struct {
	ServerURL             string `json:"server_url" validate:"required,url"`
	APIToken              string `json:"api_token"`
	AuthScheme            string `json:"auth_scheme"`
	DeviceAddress         string `json:"device_address" validate:"required"`
	DevicePort            int    `json:"device_port" validate:"min=1,max=65535"`
	DevicePassword        int    `json:"device_password" validate:"min=0"`
	StationName           string `json:"station_name" validate:"required"`
	IntervalMinutes       int    `json:"interval_minutes" validate:"gt=0"`
	AutoStart             bool   `json:"auto_start"`
	MinimizeToTray        bool   `json:"minimize_to_tray"`
	MinUserIDLength       int    `json:"min_user_id_length" validate:"min=0"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" validate:"gt=0"`
	HTTPTimeoutSeconds    int    `json:"http_timeout_seconds" validate:"gt=0"`
}

// Defaults returns the configuration used on first run.
func Defaults() Config {
	return Config{
		AuthScheme:            DefaultAuthScheme,
		DevicePort:            DefaultDevicePort,
		IntervalMinutes:       DefaultIntervalMinutes,
		MinimizeToTray:        true,
		MinUserIDLength:       DefaultMinUserIDLength,
		ConnectTimeoutSeconds: DefaultConnectTimeout,
		HTTPTimeoutSeconds:    DefaultHTTPTimeout,
	}
}

// Interval is the wait between two scheduled cycles.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ConnectTimeout bounds a single transport profile attempt.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// HTTPTimeout bounds the delivery POST.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Redacted returns a copy safe for logs and status output.
func (c Config) Redacted() Config {
	if c.APIToken != "" {
		c.APIToken = "***"
	}
	return c
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
	})
	return validate
}

// Validate checks the invariants a configuration must satisfy before a cycle
// may contact the terminal.
func (c Config) Validate() error {
	normalized := c
	normalized.DeviceAddress = strings.TrimSpace(c.DeviceAddress)
	normalized.StationName = strings.TrimSpace(c.StationName)
	normalized.ServerURL = strings.TrimSpace(c.ServerURL)
	err := structValidator().Struct(normalized)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(err, "validate config")
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeFieldError(fe))
	}
	return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// ErrOutOfRange marks a document whose numeric settings break their bounds.
var ErrOutOfRange = errors.New("config: value out of range")

type rangeRule struct {
	key   string
	tag   string
	field func(*Config) *int
	def   int
}

// rangeRules mirror the numeric validate tags on Config. They hold even for an
// incomplete document, so an edit can never store an unusable interval or port.
var rangeRules = []rangeRule{
	{"device_port", "min=1,max=65535", func(c *Config) *int { return &c.DevicePort }, DefaultDevicePort},
	{"device_password", "min=0", func(c *Config) *int { return &c.DevicePassword }, 0},
	{"interval_minutes", "gt=0", func(c *Config) *int { return &c.IntervalMinutes }, DefaultIntervalMinutes},
	{"min_user_id_length", "min=0", func(c *Config) *int { return &c.MinUserIDLength }, DefaultMinUserIDLength},
	{"connect_timeout_seconds", "gt=0", func(c *Config) *int { return &c.ConnectTimeoutSeconds }, DefaultConnectTimeout},
	{"http_timeout_seconds", "gt=0", func(c *Config) *int { return &c.HTTPTimeoutSeconds }, DefaultHTTPTimeout},
}

func (c *Config) outOfRange() []rangeRule {
	var bad []rangeRule
	for _, rule := range rangeRules {
		if err := structValidator().Var(*rule.field(c), rule.tag); err != nil {
			bad = append(bad, rule)
		}
	}
	return bad
}

// CheckRanges validates only the numeric bounds. Unlike Validate it accepts a
// document that still lacks the address, station or server.
func (c Config) CheckRanges() error {
	bad := c.outOfRange()
	if len(bad) == 0 {
		return nil
	}
	problems := make([]string, 0, len(bad))
	for _, rule := range bad {
		problems = append(problems, fmt.Sprintf("%s out of range (%s, got %d)", rule.key, rule.tag, *rule.field(&c)))
	}
	return errors.Wrap(ErrOutOfRange, strings.Join(problems, "; "))
}

// WithRangeDefaults replaces out-of-range numeric settings with their
// defaults and returns the keys it reset.
func (c Config) WithRangeDefaults() (Config, []string) {
	var reset []string
	for _, rule := range c.outOfRange() {
		*rule.field(&c) = rule.def
		reset = append(reset, rule.key)
	}
	return c, reset
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "min", "max":
		return fmt.Sprintf("%s out of range (%s=%s, got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
