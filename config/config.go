package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v4"
)

const (
	ProtocolIMAP = "imap"
	ProtocolPOP3 = "pop3"

	DefaultIMAPPort  = 993
	DefaultPOP3Port  = 995
	DefaultQueueSize = 32

	// PasswordEnv is read when no password is given on the command line or
	// in the config file.
	PasswordEnv = "MAIL_PASSWORD"
)

// Config captures all options required for one export run.
type Config struct {
	Protocol           string `yaml:"protocol"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	UseTLS             bool   `yaml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Folder             string `yaml:"folder"`
	OutputFolder       string `yaml:"output"`
	Start              uint32 `yaml:"start"`
	Marker             string `yaml:"marker"`
	Archive            string `yaml:"archive"`
	QueueSize          int    `yaml:"queue_size"`
	LogLevel           string `yaml:"log_level"`
	LogDir             string `yaml:"log_dir"`
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML file with default values for every flag")
	flags.String("protocol", ProtocolIMAP, "Retrieval protocol: imap or pop3")
	flags.StringP("host", "H", "", "Mail server hostname")
	flags.Int("port", 0, "Mail server port (default 993 for imap, 995 for pop3)")
	flags.StringP("username", "u", "", "Login name")
	flags.StringP("password", "p", "", "Password (falls back to "+PasswordEnv+" env var)")
	flags.Bool("use-tls", true, "Use implicit TLS for the connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.StringP("folder", "f", "", "Folder to export")
	flags.StringP("output", "o", "", "Output directory (defaults to the folder name)")
	flags.Uint32("start", 0, "Skip the first N messages of the folder")
	flags.String("marker", "", "Only save messages whose sender or recipient contains this text")
	flags.String("archive", "", "Also append every saved message to this mbox file")
	flags.Int("queue-size", DefaultQueueSize, "Messages buffered between fetching and writing")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	return nil
}

// LoadConfig merges the config file, the parsed Cobra flags and the
// environment into a validated Config. Flags set explicitly win over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	cfg := Config{
		Protocol:  ProtocolIMAP,
		UseTLS:    true,
		QueueSize: DefaultQueueSize,
		LogLevel:  "info",
	}

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Password == "" {
		cfg.Password = os.Getenv(PasswordEnv)
	}

	cfg.Protocol = strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if cfg.Port == 0 {
		cfg.Port = defaultPort(cfg.Protocol)
	}
	if cfg.OutputFolder == "" {
		cfg.OutputFolder = cfg.Folder
	}
	if cfg.OutputFolder != "" {
		cfg.OutputFolder = filepath.Clean(cfg.OutputFolder)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyFlags copies flags into cfg. Flags left at their default only fill
// fields the config file did not set.
func applyFlags(cmd *cobra.Command, cfg *Config) error {
	flags := cmd.Flags()

	strs := []struct {
		name string
		dst  *string
	}{
		{"protocol", &cfg.Protocol},
		{"host", &cfg.Host},
		{"username", &cfg.Username},
		{"password", &cfg.Password},
		{"folder", &cfg.Folder},
		{"output", &cfg.OutputFolder},
		{"marker", &cfg.Marker},
		{"archive", &cfg.Archive},
		{"log-level", &cfg.LogLevel},
		{"log-dir", &cfg.LogDir},
	}
	for _, s := range strs {
		v, err := flags.GetString(s.name)
		if err != nil {
			return err
		}
		if flags.Changed(s.name) || *s.dst == "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"port", &cfg.Port},
		{"queue-size", &cfg.QueueSize},
	}
	for _, i := range ints {
		v, err := flags.GetInt(i.name)
		if err != nil {
			return err
		}
		if flags.Changed(i.name) || *i.dst == 0 {
			*i.dst = v
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"use-tls", &cfg.UseTLS},
		{"insecure-skip-verify", &cfg.InsecureSkipVerify},
	}
	for _, b := range bools {
		v, err := flags.GetBool(b.name)
		if err != nil {
			return err
		}
		if flags.Changed(b.name) {
			*b.dst = v
		}
	}

	start, err := flags.GetUint32("start")
	if err != nil {
		return err
	}
	if flags.Changed("start") {
		cfg.Start = start
	}

	return nil
}

func defaultPort(protocol string) int {
	if protocol == ProtocolPOP3 {
		return DefaultPOP3Port
	}
	return DefaultIMAPPort
}

func validateConfig(cfg Config) error {
	switch cfg.Protocol {
	case ProtocolIMAP, ProtocolPOP3:
	default:
		return fmt.Errorf("invalid --protocol: %s", cfg.Protocol)
	}
	if cfg.Host == "" {
		return fmt.Errorf("--host is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("--username is required")
	}
	if cfg.Password == "" {
		return fmt.Errorf("password must be provided via --password, the config file or %s env var", PasswordEnv)
	}
	if cfg.Folder == "" {
		return fmt.Errorf("--folder is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if cfg.QueueSize < 1 {
		return fmt.Errorf("--queue-size must be at least 1")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
