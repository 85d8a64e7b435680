// Package config provides XML-based configuration management for the photo console.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/courtside/photodesk/internal/imaging"
	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"PhotoDesk" yaml:"-"`

	Server     ServerConfig     `xml:"Server" yaml:"server"`
	Storage    StorageConfig    `xml:"Storage" yaml:"storage"`
	Ingest     IngestConfig     `xml:"Ingest" yaml:"ingest"`
	Backend    BackendConfig    `xml:"Backend" yaml:"backend"`
	Processing ProcessingConfig `xml:"Processing" yaml:"processing"`
	Advanced   AdvancedConfig   `xml:"Advanced" yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port" yaml:"port"`
	BindAddress  string `xml:"BindAddress" yaml:"bindAddress"`
	EnableCORS   bool   `xml:"EnableCORS" yaml:"enableCORS"`
	AllowOrigins string `xml:"AllowOrigins" yaml:"allowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds" yaml:"idleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit" yaml:"bodyLimit"`
}

// StorageConfig contains on-disk locations
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory" yaml:"dataDirectory"`
	PreviewDirectory string `xml:"PreviewDirectory" yaml:"previewDirectory"`
}

// IngestConfig contains the selection limits and variant targets
type IngestConfig struct {
	MaxItemCount             int    `xml:"MaxItemCount" yaml:"maxItemCount"`
	MaxSourceSize            string `xml:"MaxSourceSize" yaml:"maxSourceSize"`
	PreviewMaxDimension      int    `xml:"PreviewMaxDimension" yaml:"previewMaxDimension"`
	PreviewMaxSize           string `xml:"PreviewMaxSize" yaml:"previewMaxSize"`
	UploadMaxDimension       int    `xml:"UploadMaxDimension" yaml:"uploadMaxDimension"`
	UploadMaxSize            string `xml:"UploadMaxSize" yaml:"uploadMaxSize"`
	MaxConcurrentDerivations int    `xml:"MaxConcurrentDerivations" yaml:"maxConcurrentDerivations"`
	StrictOrdering           bool   `xml:"StrictOrdering" yaml:"strictOrdering"`
	JPEGStartQuality         int    `xml:"JPEGStartQuality" yaml:"jpegStartQuality"`
	JPEGMinQuality           int    `xml:"JPEGMinQuality" yaml:"jpegMinQuality"`
	MaxSourcePixels          int64  `xml:"MaxSourcePixels" yaml:"maxSourcePixels"`
}

// BackendConfig points at the photo backend that receives submissions
type BackendConfig struct {
	BaseURL               string `xml:"BaseURL" yaml:"baseURL"`
	UploadPath            string `xml:"UploadPath" yaml:"uploadPath"`
	RequestTimeoutSeconds int    `xml:"RequestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
	Token                 string `xml:"Token" yaml:"token"`
}

// ProcessingConfig contains session and job housekeeping settings
type ProcessingConfig struct {
	MaxSessions            int  `xml:"MaxSessions" yaml:"maxSessions"`
	SessionTimeoutMinutes  int  `xml:"SessionTimeoutMinutes" yaml:"sessionTimeoutMinutes"`
	CleanupIntervalMinutes int  `xml:"CleanupIntervalMinutes" yaml:"cleanupIntervalMinutes"`
	JobRetentionMinutes    int  `xml:"JobRetentionMinutes" yaml:"jobRetentionMinutes"`
	EnableCompression      bool `xml:"EnableCompression" yaml:"enableCompression"`
	CompressionLevel       int  `xml:"CompressionLevel" yaml:"compressionLevel"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel" yaml:"logLevel"`
	LogFormat               string `xml:"LogFormat" yaml:"logFormat"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging" yaml:"enableRequestLogging"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB" yaml:"webSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8090,
			BindAddress:  "127.0.0.1",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 120,
			IdleTimeout:  120,
			BodyLimit:    "80M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			PreviewDirectory: "./data/previews",
		},
		Ingest: IngestConfig{
			MaxItemCount:             models.DefaultMaxItemCount,
			MaxSourceSize:            "2MiB",
			PreviewMaxDimension:      models.DefaultPreviewMaxDimension,
			PreviewMaxSize:           "200KiB",
			UploadMaxDimension:       models.DefaultUploadMaxDimension,
			UploadMaxSize:            "200KiB",
			MaxConcurrentDerivations: 4,
			StrictOrdering:           false,
			JPEGStartQuality:         90,
			JPEGMinQuality:           40,
			MaxSourcePixels:          imaging.DefaultMaxSourcePixels,
		},
		Backend: BackendConfig{
			BaseURL:               "http://localhost:8080",
			UploadPath:            "/api/admin/uploadphoto",
			RequestTimeoutSeconds: 60,
		},
		Processing: ProcessingConfig{
			MaxSessions:            20,
			SessionTimeoutMinutes:  60,
			CleanupIntervalMinutes: 5,
			JobRetentionMinutes:    10,
			EnableCompression:      true,
			CompressionLevel:       5,
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			LogFormat:               "text",
			EnableRequestLogging:    true,
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadConfig loads configuration from an XML file, or YAML when the path
// ends in .yaml or .yml. A missing file is created with defaults. A .env
// file in the working directory is loaded before environment overrides.
func LoadConfig(configPath string) (*AppConfig, error) {
	_ = godotenv.Load()

	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if isYAML(configPath) {
			err = yaml.Unmarshal(data, config)
		} else {
			err = xml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if _, err := config.Policy(); err != nil {
		return nil, fmt.Errorf("invalid ingest settings: %w", err)
	}

	return config, nil
}

// FromEnvironment returns the defaults with .env and environment overrides
// applied, for tools that run without a config file.
func FromEnvironment() (*AppConfig, error) {
	_ = godotenv.Load()

	config := DefaultConfig()
	config.applyEnvironmentOverrides()
	if _, err := config.Policy(); err != nil {
		return nil, fmt.Errorf("invalid ingest settings: %w", err)
	}
	return config, nil
}

// Save saves the configuration to XML or YAML depending on the extension
func (c *AppConfig) Save(configPath string) error {
	var content []byte
	if isYAML(configPath) {
		output, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		content = append([]byte("# PhotoDesk configuration, generated on first run\n"), output...)
	} else {
		output, err := xml.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		header := []byte(xml.Header + "\n<!-- PhotoDesk Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
		content = append(header, output...)
	}

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.PreviewDirectory = filepath.Join(dataDir, "previews")
	}

	if backend := os.Getenv("PHOTODESK_BACKEND_URL"); backend != "" {
		c.Backend.BaseURL = backend
	}

	if token := os.Getenv("PHOTODESK_TOKEN"); token != "" {
		c.Backend.Token = token
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.PreviewDirectory) {
		c.Storage.PreviewDirectory = filepath.Join(configDir, c.Storage.PreviewDirectory)
	}
}

// Policy builds and validates the ingestion limits.
func (c *AppConfig) Policy() (models.Policy, error) {
	maxSource, err := parseSize("MaxSourceSize", c.Ingest.MaxSourceSize)
	if err != nil {
		return models.Policy{}, err
	}
	previewSize, err := parseSize("PreviewMaxSize", c.Ingest.PreviewMaxSize)
	if err != nil {
		return models.Policy{}, err
	}
	uploadSize, err := parseSize("UploadMaxSize", c.Ingest.UploadMaxSize)
	if err != nil {
		return models.Policy{}, err
	}

	p := models.Policy{
		MaxItemCount:   c.Ingest.MaxItemCount,
		MaxSourceBytes: maxSource,
		Preview: models.Target{
			MaxDimension:    c.Ingest.PreviewMaxDimension,
			MaxEncodedBytes: previewSize,
		},
		Upload: models.Target{
			MaxDimension:    c.Ingest.UploadMaxDimension,
			MaxEncodedBytes: uploadSize,
		},
	}
	if err := p.Validate(); err != nil {
		return models.Policy{}, err
	}
	return p, nil
}

// DeriverOptions returns the decoder limit and JPEG encoder settings.
func (c *AppConfig) DeriverOptions() imaging.Options {
	opts := imaging.DefaultOptions()
	if c.Ingest.JPEGStartQuality > 0 {
		opts.StartQuality = c.Ingest.JPEGStartQuality
	}
	if c.Ingest.JPEGMinQuality > 0 && c.Ingest.JPEGMinQuality <= opts.StartQuality {
		opts.MinQuality = c.Ingest.JPEGMinQuality
	}
	if c.Ingest.MaxSourcePixels > 0 {
		opts.MaxSourcePixels = c.Ingest.MaxSourcePixels
	}
	return opts
}

// IngestOptions returns the orchestrator options the config selects.
func (c *AppConfig) IngestOptions() []ingest.Option {
	opts := []ingest.Option{ingest.WithConcurrency(c.Ingest.MaxConcurrentDerivations)}
	if c.Ingest.StrictOrdering {
		opts = append(opts, ingest.WithStrictOrdering())
	}
	return opts
}

// BackendTimeout returns the submission request timeout.
func (c *AppConfig) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeoutSeconds) * time.Second
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetPreviewDir returns the absolute preview directory path
func (c *AppConfig) GetPreviewDir() string {
	return c.Storage.PreviewDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// GetUploadURL returns the backend endpoint receiving photo batches
func (c *AppConfig) GetUploadURL() string {
	return strings.TrimRight(c.Backend.BaseURL, "/") + "/" + strings.TrimLeft(c.Backend.UploadPath, "/")
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.PreviewDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func parseSize(field, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return int64(n), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
