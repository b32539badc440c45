package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/slotvault"
	"southwinds.dev/slotvault/audit"
	"southwinds.dev/slotvault/persist"
)

var (
	cfgFile     string
	storePath   string
	passphrase  string
	tenantID    string
	actorID     string
	engine      *slotvault.Engine
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "slotvault",
	Short: "A secure key-slot storage engine for cryptographic objects",
	Long: `A secure key-slot storage engine that stores cryptographic objects in
provisioned, access-controlled slots. Content at rest is sealed with
ChaCha20-Poly1305 and every operation is written to the audit trail.`,
	PersistentPreRunE: initializeEngine,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if auditLogger != nil && cliContext != nil {
			_ = auditLogger.Log("COMMAND_COMPLETED", true, map[string]interface{}{
				"command":     cmd.CommandPath(),
				"session_id":  cliContext.SessionID,
				"duration_ms": time.Since(cliContext.StartTime).Milliseconds(),
			})
		}
		if engine != nil {
			return engine.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.slotvault.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to slot storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "sealing passphrase (or use SLOTVAULT_PASSPHRASE env var)")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant identifier")
	rootCmd.PersistentFlags().StringVarP(&actorID, "actor", "a", "", "actor identity used for slot operations")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")

	// Bind flags to viper
	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.tenant", "tenant")
	bindFlagOrPanic("store.actor", "actor")
	bindFlagOrPanic("store.type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	// Bind audit flags
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	// Bind S3 flags
	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/slotvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".slotvault")
	}

	// Environment variable support
	viper.SetEnvPrefix("SLOTVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// config file not found is fine - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".slotvault")
	viper.SetDefault("store.tenant", "default")
	viper.SetDefault("store.actor", "cli")
	viper.SetDefault("store.type", "file")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "slotvault/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeEngine(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	storePath = viper.GetString("store.path")
	tenantID = viper.GetString("store.tenant")
	actorID = viper.GetString("store.actor")

	// audit file next to the store unless explicitly placed
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", storePath+"/audit.log")
	}

	passphrase = viper.GetString("store.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("SLOTVAULT_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("sealing passphrase is required. Use --passphrase flag or SLOTVAULT_PASSPHRASE environment variable")
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	if err := loadLayoutFile(); err != nil {
		return err
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createStore(viper.GetString("store.type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	options := slotvault.Options{
		DerivationPassphrase: passphrase,
		EnvPassphraseVar:     "SLOTVAULT_PASSPHRASE",
		Layout:               provisionRows,
	}
	engine, err = slotvault.NewWithStore(options, store, auditLogger, tenantID)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize engine for tenant %s: %w", tenantID, err)
	}

	_ = auditLogger.Log("COMMAND_STARTED", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	return nil
}

// isSensitiveFlag checks if a flag name is sensitive for logging purposes
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if isSensitiveFlag(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		TenantID: viper.GetString("store.tenant"),
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "file", "filesystem":
		if err := os.MkdirAll(viper.GetString("store.path"), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return persist.NewFileSystemStore(viper.GetString("store.path"), tenantID)

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if s3Config.Bucket == "" {
			return nil, fmt.Errorf("store.s3.bucket is required for the s3 store type")
		}
		return persist.NewS3Store(s3Config, tenantID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}
