package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/internal/eudiw"
	"github.com/openauthsim/otp-service/internal/window"
)

const (
	DefaultConfigPath = "config/dev.toml"
	DefaultEnvPath    = "config/.env"
	Filename          = "dev.toml"
	Extension         = ".toml"

	DefaultServiceEndpoint = "http://localhost:8080"

	EnvironmentDev  Environment = "dev"
	EnvironmentTest Environment = "test"
	EnvironmentProd Environment = "prod"

	ConfigPath   EnvironmentVariable = "CONFIG_PATH"
	KeystorePass EnvironmentVariable = "KEYSTORE_PASSWORD"
	DBPassword   EnvironmentVariable = "DB_PASSWORD"
)

type (
	Environment         string
	EnvironmentVariable string
)

func (e EnvironmentVariable) String() string {
	return string(e)
}

type SimulatorServiceConfig struct {
	conf.Version
	Server   ServerConfig   `toml:"server"`
	Services ServicesConfig `toml:"services"`
}

// ServerConfig represents configurable properties for the HTTP server
type ServerConfig struct {
	Environment         Environment   `toml:"env" conf:"default:dev"`
	APIHost             string        `toml:"api_host" conf:"default:0.0.0.0:3000"`
	DebugHost           string        `toml:"debug_host" conf:"default:0.0.0.0:4000"`
	JagerHost           string        `toml:"jager_host" conf:"default:http://jaeger:14268/api/traces"`
	JagerEnabled        bool          `toml:"jager_enabled" conf:"default:false"`
	ReadTimeout         time.Duration `toml:"read_timeout" conf:"default:5s"`
	WriteTimeout        time.Duration `toml:"write_timeout" conf:"default:5s"`
	ShutdownTimeout     time.Duration `toml:"shutdown_timeout" conf:"default:5s"`
	LogLocation         string        `toml:"log_location" conf:"default:log"`
	LogLevel            string        `toml:"log_level" conf:"default:debug"`
	EnableAllowAllCORS  bool          `toml:"enable_allow_all_cors" conf:"default:false"`
	ReadinessCheckDelay time.Duration `toml:"readiness_check_delay" conf:"default:0s"`
}

// ServicesConfig represents configurable properties for the components of the service
type ServicesConfig struct {
	// at present, it is assumed that a single storage provider works for all services
	StorageProvider string          `toml:"storage"`
	StorageOptions  []StorageOption `toml:"storage_option"`
	ServiceEndpoint string          `toml:"service_endpoint"`

	// Application level encryption configuration. Defines how values are encrypted before they are stored in the
	// configured KV store.
	AppLevelEncryptionConfiguration EncryptionConfig `toml:"storage_encryption,omitempty"`

	// Embed all service-specific configs here. The order matters: from which should be instantiated first, to last
	CredentialConfig CredentialServiceConfig `toml:"credential,omitempty"`
	EvaluationConfig EvaluationServiceConfig `toml:"evaluation,omitempty"`
}

// StorageOption is one provider option, for example the bolt file path or the redis address.
type StorageOption struct {
	ID     string `toml:"id"`
	Option any    `toml:"option"`
}

// BaseServiceConfig represents configurable properties for a specific component of the service
// Can be wrapped and extended for any specific service config
type BaseServiceConfig struct {
	Name            string `toml:"name"`
	ServiceEndpoint string `toml:"service_endpoint"`
}

type EncryptionConfig struct {
	DisableEncryption bool `toml:"disable_encryption"`

	// The URI for a master key. We use tink for envelope encryption as described in https://github.com/google/tink/blob/9bc2667963e20eb42611b7581e570f0dddf65a2b/docs/KEY-MANAGEMENT.md#key-management-with-tink
	// When left empty, then a random key is generated and used.
	MasterKeyURI string `toml:"master_key_uri"`

	// Path for credentials. Required when MasterKeyURI is set.
	KMSCredentialsPath string `toml:"kms_credentials_path"`

	// MasterKey is a base58 encoded 32 byte data key used when no KMS is configured.
	MasterKey string `toml:"master_key"`

	// Password is run through argon2 to derive the local data key when neither a KMS nor a
	// master key is configured.
	Password string `toml:"password"`
}

func (e EncryptionConfig) GetMasterKeyURI() string {
	return e.MasterKeyURI
}

func (e EncryptionConfig) GetKMSCredentialsPath() string {
	return e.KMSCredentialsPath
}

func (e EncryptionConfig) EncryptionEnabled() bool {
	return !e.DisableEncryption
}

type CredentialServiceConfig struct {
	*BaseServiceConfig
	// Issuer labels otpauth:// provisioning URIs.
	Issuer string `toml:"issuer"`
}

func (c *CredentialServiceConfig) IsEmpty() bool {
	if c == nil {
		return true
	}
	return reflect.DeepEqual(c, &CredentialServiceConfig{})
}

// EvaluationServiceConfig holds the engine defaults applied when a request leaves them out.
type EvaluationServiceConfig struct {
	*BaseServiceConfig
	HOTPWindow window.Window `toml:"hotp_window"`
	TOTPWindow window.Window `toml:"totp_window"`
	OCRAWindow window.Window `toml:"ocra_window"`
	// EMVWindow bounds the ATC drift accepted on replay.
	EMVWindow          window.Window            `toml:"emv_window"`
	TrustedAuthorities []eudiw.TrustedAuthority `toml:"trusted_authorities"`
}

func (e *EvaluationServiceConfig) IsEmpty() bool {
	if e == nil {
		return true
	}
	return reflect.DeepEqual(e, &EvaluationServiceConfig{})
}

// LoadConfig attempts to load a TOML config file from the given path, and coerce it into our object model.
// Before loading, defaults are applied on certain properties, which are overwritten if specified in the TOML file.
func LoadConfig(path string) (*SimulatorServiceConfig, error) {
	loadDefaultConfig, err := checkValidConfigPath(path)
	if err != nil {
		return nil, errors.Wrap(err, "validate config path")
	}

	var config SimulatorServiceConfig
	printed, err := parseConfig(&config)
	if err != nil {
		return nil, errors.Wrap(err, "parse and apply defaults")
	}
	if printed {
		// help or version output was requested
		return nil, nil
	}

	if err = loadServices(path, loadDefaultConfig, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadServicesConfig loads the services section of the config at path without parsing
// command line flags, for tools that own their own flags.
func LoadServicesConfig(path string) (*ServicesConfig, error) {
	loadDefaultConfig, err := checkValidConfigPath(path)
	if err != nil {
		return nil, errors.Wrap(err, "validate config path")
	}
	var config SimulatorServiceConfig
	if err = loadServices(path, loadDefaultConfig, &config); err != nil {
		return nil, err
	}
	return &config.Services, nil
}

func loadServices(path string, loadDefaultConfig bool, config *SimulatorServiceConfig) error {
	if loadDefaultConfig {
		config.Services = getDefaultServicesConfig()
	} else if err := loadTOMLConfig(path, config); err != nil {
		return errors.Wrap(err, "load toml config")
	}

	if err := applyEnvVariables(config); err != nil {
		return errors.Wrap(err, "apply env variables")
	}
	applyServiceDefaults(&config.Services)
	return nil
}

func checkValidConfigPath(path string) (bool, error) {
	// no path, load default config
	defaultConfig := false
	if path == "" {
		logrus.Info("no config path provided, loading default config...")
		defaultConfig = true
	} else if filepath.Ext(path) != Extension {
		return false, fmt.Errorf("path<%s> did not match the expected TOML format", path)
	}
	return defaultConfig, nil
}

// parseConfig applies defaults plus flag and env overrides. printed reports that usage or
// version output was written instead.
func parseConfig(cfg *SimulatorServiceConfig) (printed bool, err error) {
	cfg.Version.Desc = ServiceName
	cfg.Version.SVN = ServiceVersion
	if err = conf.Parse(os.Args[1:], ServiceName, cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(ServiceName, cfg)
			if err != nil {
				return false, errors.Wrap(err, "parsing config")
			}
			fmt.Println(usage)
			return true, nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(ServiceName, cfg)
			if err != nil {
				return false, errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return true, nil
		}
		return false, errors.Wrap(err, "parsing config")
	}
	return false, nil
}

func getDefaultServicesConfig() ServicesConfig {
	return ServicesConfig{
		StorageProvider: "bolt",
		ServiceEndpoint: DefaultServiceEndpoint,
		CredentialConfig: CredentialServiceConfig{
			BaseServiceConfig: &BaseServiceConfig{Name: "credential", ServiceEndpoint: DefaultServiceEndpoint},
			Issuer:            "OpenAuth Simulator",
		},
		EvaluationConfig: EvaluationServiceConfig{
			BaseServiceConfig: &BaseServiceConfig{Name: "evaluation", ServiceEndpoint: DefaultServiceEndpoint},
			HOTPWindow:        window.Window{Forward: 10},
			TOTPWindow:        window.Window{Backward: 1, Forward: 1},
			OCRAWindow:        window.Window{},
			EMVWindow:         window.Window{},
		},
	}
}

func loadTOMLConfig(path string, config *SimulatorServiceConfig) error {
	if _, err := toml.DecodeFile(path, config); err != nil {
		return errors.Wrapf(err, "could not load config: %s", path)
	}
	return nil
}

// applyEnvVariables loads a .env file next to the config when present, then lets the
// environment override secrets that should not live in the TOML file.
func applyEnvVariables(config *SimulatorServiceConfig) error {
	if err := godotenv.Load(DefaultEnvPath); err != nil {
		// The error indicates that the file or directory does not exist.
		if !os.IsNotExist(err) {
			return errors.Wrap(err, "dotenv parsing")
		}
	}

	if password, present := os.LookupEnv(KeystorePass.String()); present {
		config.Services.AppLevelEncryptionConfiguration.Password = password
	}

	if dbPassword, present := os.LookupEnv(DBPassword.String()); present {
		for i, option := range config.Services.StorageOptions {
			if option.ID == "password" || option.ID == "sql-connection-string-option" {
				if s, ok := option.Option.(string); ok {
					config.Services.StorageOptions[i].Option = os.Expand(s, func(name string) string {
						if name == DBPassword.String() {
							return dbPassword
						}
						return os.Getenv(name)
					})
				}
			}
		}
	}
	return nil
}

// applyServiceDefaults fills per-service values the TOML file left empty.
func applyServiceDefaults(s *ServicesConfig) {
	if s.CredentialConfig.BaseServiceConfig == nil {
		s.CredentialConfig.BaseServiceConfig = &BaseServiceConfig{Name: "credential"}
	}
	if s.CredentialConfig.ServiceEndpoint == "" {
		s.CredentialConfig.ServiceEndpoint = s.ServiceEndpoint
	}
	if s.EvaluationConfig.BaseServiceConfig == nil {
		s.EvaluationConfig.BaseServiceConfig = &BaseServiceConfig{Name: "evaluation"}
	}
	if s.EvaluationConfig.ServiceEndpoint == "" {
		s.EvaluationConfig.ServiceEndpoint = s.ServiceEndpoint
	}
}
