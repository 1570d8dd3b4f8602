package mirror

import (
	"encoding"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultDir      = "nexus_artifacts"
	defaultMaxConns = 10
	defaultLogFile  = "nexus_export.log"

	envPrefix = "NEXUSCTL"
)

var validRepoName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// IsValidRepoName checks if a repository name is safe to use as a directory name.
func IsValidRepoName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return validRepoName.MatchString(name)
}

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return errors.New("no host in url: " + string(text))
	}

	u.URL = parsedURL
	return nil
}

func (u tomlURL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return nil, nil
	}
	return []byte(u.URL.String()), nil
}

// duration is a time.Duration decoded from strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`

	file *os.File
}

// Apply configures the global slog logger based on the configuration.
//
// When File is set, records are appended to that file instead of stderr.
// Apply may be called again after a change; the log file is reopened
// only when its path changes.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	format := strings.ToLower(logConfig.Format)
	switch format {
	case "json", "plain", "", "text":
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	w := os.Stderr
	if logConfig.File != "" {
		if logConfig.file == nil || logConfig.file.Name() != logConfig.File {
			f, err := os.OpenFile(logConfig.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644) // #nosec G302,G304 - log file path comes from the operator's configuration
			if err != nil {
				return errors.Wrap(err, "open log file")
			}
			if err := logConfig.Close(); err != nil {
				slog.Warn("failed to close previous log file", "error", err)
			}
			logConfig.file = f
		}
		w = logConfig.file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Close releases the log file opened by Apply, if any.
func (logConfig *LogConfig) Close() error {
	if logConfig.file == nil {
		return nil
	}
	err := logConfig.file.Close()
	logConfig.file = nil
	return err
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	URL               tomlURL   `toml:"url"`
	Username          string    `toml:"username"`
	Password          string    `toml:"password"`
	Dir               string    `toml:"dir"`
	MaxConns          int       `toml:"max_conns"`
	RequestTimeout    duration  `toml:"request_timeout"`
	RequestsPerSecond float64   `toml:"requests_per_second"`
	Repositories      []string  `toml:"repositories"`
	Log               LogConfig `toml:"log"`
	TLS               TLSConfig `toml:"tls"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Dir:      defaultDir,
		MaxConns: defaultMaxConns,
		Log: LogConfig{
			File: defaultLogFile,
		},
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.URL.URL == nil {
		return errors.New("url is not set")
	}
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if c.MaxConns < 1 {
		return errors.Newf("max_conns must be at least 1 (got %d)", c.MaxConns)
	}
	if c.RequestTimeout.Duration < 0 {
		return errors.New("request_timeout must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must not be negative")
	}
	for _, name := range c.Repositories {
		if !IsValidRepoName(name) {
			return errors.New("invalid repository name: " + name)
		}
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	return nil
}

// ApplyEnvironmentVariables overrides configuration values with
// NEXUSCTL_* environment variables.
//
// Variable names are derived from TOML keys: "max_conns" becomes
// NEXUSCTL_MAX_CONNS and "log.level" becomes NEXUSCTL_LOG_LEVEL.
// Unset or empty variables leave the current value untouched.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnvToStruct(reflect.ValueOf(c).Elem(), envPrefix)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

func applyEnvToStruct(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := strings.Split(sf.Tag.Get("toml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(tag)
		field := v.Field(i)

		if field.Kind() == reflect.Struct && !reflect.PointerTo(field.Type()).Implements(textUnmarshalerType) {
			if err := applyEnvToStruct(field, name); err != nil {
				return err
			}
			continue
		}
		if err := setFieldFromEnv(field, name); err != nil {
			return err
		}
	}
	return nil
}

// setFieldFromEnv sets field from the environment variable envVar when it is
// set to a non-empty value.
func setFieldFromEnv(field reflect.Value, envVar string) error {
	value, ok := os.LookupEnv(envVar)
	if !ok || value == "" {
		return nil
	}

	if field.CanAddr() {
		if tu, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return errors.Wrap(tu.UnmarshalText([]byte(value)), envVar)
		}
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%s: invalid integer", envVar)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrapf(err, "%s: invalid number", envVar)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s: invalid boolean", envVar)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf("%s: unsupported slice type %s", envVar, field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return errors.Newf("%s: unsupported field type %s", envVar, field.Type())
	}
	return nil
}
