// Package main implements the nexusctl command-line tool for exporting Nexus repositories.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/nexusctl/internal/mirror"
)

const (
	defaultConfigPath = "nexusctl.toml"
	envFile           = ".env"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "nexusctl",
	Short: "Export Sonatype Nexus repositories to local disk",
	Long: `nexusctl downloads every asset of a Sonatype Nexus Repository server into
a local directory tree laid out as <dir>/<repository>/<asset path>.

Assets already present with the size the server declares are skipped, so an
interrupted export can simply be run again.`,
}

var exportCmd = &cobra.Command{
	Use:   "export [repository...]",
	Short: "Export one or more repositories",
	Long: `Exports repositories of the configured Nexus server.

Usage:
  # Export every repository visible to the configured user
  nexusctl export

  # Export only specific repositories
  nexusctl export maven-releases npm-hosted

  # Use a custom configuration file
  nexusctl export --config /path/to/nexusctl.toml

  # Override the log level
  nexusctl export --log-level debug

  # Show a byte progress bar instead of a line per file
  nexusctl export --progress

  # List what would be downloaded without touching the output directory
  nexusctl export --dry-run

If no repositories are specified, the "repositories" list of the configuration
file is used; when that is empty too, every repository is exported.

Settings can also be given as NEXUSCTL_<KEY> environment variables, e.g.
NEXUSCTL_URL, NEXUSCTL_USERNAME and NEXUSCTL_PASSWORD. A .env file in the
working directory is loaded first.`,
	Run: runExport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Validate the configuration file and environment overrides and report any issues.`,
	Run:   runValidate,
}

var tlsCheckCmd = &cobra.Command{
	Use:   "tls-check",
	Short: "Check TLS configuration and capabilities of the Nexus server",
	Long: `Performs a detailed TLS handshake and certificate check against the configured
Nexus server.

This command helps diagnose TLS connection issues by testing supported TLS versions,
negotiated cipher suites, and examining the certificate chain.`,
	Args: cobra.NoArgs,
	Run:  runTLSCheck,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tlsCheckCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")

	exportCmd.Flags().BoolP("quiet", "q", false, "suppress all output except for errors")
	exportCmd.Flags().Bool("dry-run", false, "list assets that would be downloaded without downloading them")
	exportCmd.Flags().Bool("progress", false, "show a byte progress bar per repository")
	exportCmd.Flags().String("dir", "", "override the output directory")
	exportCmd.Flags().Int("max-conns", 0, "override the number of concurrent downloads")
}

func printVersion() {
	fmt.Printf("nexusctl %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// knownSections maps common misspellings of configuration keys to their
// correct names.
var knownSections = map[string]string{
	"logs":       "log",
	"logging":    "log",
	"ssl":        "tls",
	"repos":      "repositories",
	"repository": "repositories",
	"user":       "username",
	"max_conn":   "max_conns",
	"timeout":    "request_timeout",
	"directory":  "dir",
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions.
//
// The decoder reports a misspelled table both by its header and by each of
// its keys; only the keys count toward a section.
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	groups := make(map[string]int)
	parents := make(map[string]bool)
	for _, key := range undecoded {
		if len(key) > 1 {
			parents[key[0]] = true
		}
	}

	for _, key := range undecoded {
		if len(key) == 0 {
			continue
		}
		if _, ok := knownSections[key[0]]; ok {
			if len(key) > 1 {
				groups[key[0]]++
			} else if _, seen := groups[key[0]]; !seen {
				groups[key[0]] = 0
			}
			continue
		}
		if len(key) == 1 && parents[key[0]] {
			continue
		}
		unknown = append(unknown, key.String())
	}

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for _, root := range roots {
		count := groups[root]
		if count <= 1 {
			suggestions = append(suggestions, fmt.Sprintf("Key '%s' should be '%s'", root, knownSections[root]))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", root, knownSections[root], count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains keys that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration keys are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese keys don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig reads the configuration file at path and applies environment
// overrides. A missing file is an error only when explicit is true;
// otherwise the defaults and the environment are used.
func loadConfig(path string, explicit bool) (*mirror.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load "+envFile)
	}

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(path, config)
	switch {
	case err == nil:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Newf("%s: %s", path, formatUndecodedError(undecoded))
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		slog.Debug("configuration file not found, using defaults and environment", "path", path)
	case errors.Is(err, fs.ErrNotExist):
		return nil, errors.Wrap(err, "configuration file not found")
	default:
		return nil, errors.Wrap(err, "failed to decode config file "+path)
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, errors.Wrap(err, "environment")
	}
	return config, nil
}

// applyLogging applies the log configuration and the command-line override.
func applyLogging(config *mirror.Config) error {
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if err := config.Log.Apply(); err != nil {
		return errors.Wrap(err, "log config")
	}
	slog.Debug("logging configured", "level", config.Log.Level, "format", config.Log.Format, "file", config.Log.File)
	return nil
}

// exitWithError logs err and terminates the process. Deferred calls do not run.
func exitWithError(msg string, err error, verbose bool) {
	errorMsg := formatError(err, verbose)
	slog.Error(msg, "error", errorMsg)
	fmt.Fprintf(os.Stderr, "Error: %s: %s\n", msg, errorMsg)
	if !verbose {
		fmt.Fprintln(os.Stderr, "run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func runExport(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		exitWithError("failed to load configuration", err, verboseErrors)
	}

	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		config.Dir = dir
	}
	if maxConns, _ := cmd.Flags().GetInt("max-conns"); maxConns != 0 {
		config.MaxConns = maxConns
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if quiet && logLevel == "" {
		config.Log.Level = "error"
	}
	if err := applyLogging(config); err != nil {
		exitWithError("failed to apply log config", err, verboseErrors)
	}
	defer config.Log.Close()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	progress, _ := cmd.Flags().GetBool("progress")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := mirror.Run(ctx, config, args, mirror.Options{
		Quiet:    quiet,
		DryRun:   dryRun,
		Progress: progress,
	})
	if err != nil {
		exitWithError("export failed", err, verboseErrors)
	}

	if truncated := report.Truncated(); len(truncated) > 0 {
		slog.Warn("component listing ended early; run the export again to resume", "repositories", truncated)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		exitWithError("failed to load configuration", err, verboseErrors)
	}

	var validationErrors []error

	// Validate the log settings without opening the log file.
	logConfig := config.Log
	logConfig.File = ""
	if logLevel != "" {
		logConfig.Level = logLevel
	}
	if err := logConfig.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "config"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the configuration is not valid", "path", configPath)
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the configuration passes validation checks",
		"path", configPath,
		"url", config.URL.String(),
		"dir", config.Dir,
		"max_conns", config.MaxConns,
		"repositories", config.Repositories)
}

func runTLSCheck(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		exitWithError("failed to load configuration", err, verboseErrors)
	}
	if config.URL.URL == nil {
		exitWithError("no server configured", errors.New("url is not set"), verboseErrors)
	}

	host := config.URL.Hostname()
	port := config.URL.Port()
	if port == "" {
		if config.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	fmt.Printf("Checking TLS status for %s (%s:%s)...\n\n", config.URL.String(), host, port)

	checkTLSVersions(config, host, port)
	checkCertificateDetails(config, host, port)

	fmt.Println("TLS check complete.")
}

func checkTLSVersions(config *mirror.Config, host, port string) {
	fmt.Println("[+] TLS Version Support:")

	tlsVersions := []struct {
		version uint16
		name    string
	}{
		{tls.VersionTLS10, "TLS 1.0"},
		{tls.VersionTLS11, "TLS 1.1"},
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	for _, tlsVer := range tlsVersions {
		tlsConf, err := config.TLS.BuildTLSConfig()
		if err != nil {
			fmt.Printf("    %s: Error building TLS config (%v)\n", tlsVer.name, err)
			continue
		}

		// Override version settings to test specific version
		tlsConf.MinVersion = tlsVer.version
		tlsConf.MaxVersion = tlsVer.version

		conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
		if err != nil {
			fmt.Printf("    %s: Not Supported (%v)\n", tlsVer.name, err)
		} else {
			fmt.Printf("    %s: Supported\n", tlsVer.name)
			conn.Close()
		}
	}
	fmt.Println()
}

func checkCertificateDetails(config *mirror.Config, host, port string) {
	fmt.Println("[+] Connection Details:")

	tlsConf, err := config.TLS.BuildTLSConfig()
	if err != nil {
		fmt.Printf("Error building TLS config: %v\n", err)
		return
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
	if err != nil {
		fmt.Printf("Failed to establish connection: %v\n", err)
		return
	}
	defer conn.Close()

	connState := conn.ConnectionState()

	fmt.Printf("    Negotiated Version: %s\n", tlsVersionString(connState.Version))
	fmt.Printf("    Negotiated Cipher:  %s\n", tls.CipherSuiteName(connState.CipherSuite))
	fmt.Println()

	fmt.Println("[+] Server Certificate Chain:")
	for i, cert := range connState.PeerCertificates {
		fmt.Printf("    - Cert %d:\n", i)
		fmt.Printf("      Subject:  %s\n", cert.Subject.CommonName)
		fmt.Printf("      Issuer:   %s\n", cert.Issuer.CommonName)
		fmt.Printf("      Expires:  %s\n", cert.NotAfter.Format(time.RFC3339))
		if i < len(connState.PeerCertificates)-1 {
			fmt.Println()
		}
	}
	fmt.Println()
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
