package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Deployment topologies
const (
	// TopologyLocal: producer, workers and reconciler share the authoritative database
	TopologyLocal = "local"
	// TopologySplit: the encoding side reports to the video-service over gRPC
	TopologySplit = "split"
)

// Object store backends
const (
	BackendMinIO = "minio"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Encoder     EncoderConfig     `yaml:"encoder"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Worker      WorkerConfig      `yaml:"worker"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Journal     JournalConfig     `yaml:"journal"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int           `yaml:"port"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes      int64         `yaml:"max_upload_bytes"`
	AllowedContentTypes []string      `yaml:"allowed_content_types"`
}

// GRPCConfig holds the video-service listener configuration
type GRPCConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	Durable        bool   `yaml:"durable"`
	AutoDelete     bool   `yaml:"auto_delete"`
	DeadLetterName string `yaml:"dead_letter_name"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name           string `yaml:"name"`
	Durable        bool   `yaml:"durable"`
	AutoDelete     bool   `yaml:"auto_delete"`
	Exclusive      bool   `yaml:"exclusive"`
	RetryName      string `yaml:"retry_name"`
	DeadLetterName string `yaml:"dead_letter_name"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the attempt ledger connection
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
	AttemptTTL   time.Duration `yaml:"attempt_ttl"`
}

// KafkaConfig holds the lifecycle event publisher settings
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ObjectStoreConfig selects and configures the blob backend
type ObjectStoreConfig struct {
	Backend string      `yaml:"backend"`
	Bucket  string      `yaml:"bucket"`
	MinIO   MinIOConfig `yaml:"minio"`
	S3      S3Config    `yaml:"s3"`
	GCS     GCSConfig   `yaml:"gcs"`
}

// MinIOConfig holds MinIO endpoint and credentials
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// S3Config holds AWS S3 settings
type S3Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// GCSConfig holds Google Cloud Storage settings
type GCSConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// EncoderConfig holds ffmpeg/ffprobe settings
type EncoderConfig struct {
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	FFprobePath    string        `yaml:"ffprobe_path"`
	VideoCodec     string        `yaml:"video_codec"`
	AudioCodec     string        `yaml:"audio_codec"`
	AudioBitrate   string        `yaml:"audio_bitrate"`
	Preset         string        `yaml:"preset"`
	SegmentSeconds int           `yaml:"segment_seconds"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// ResolutionConfig is one row of the resolution table
type ResolutionConfig struct {
	Bitrate string `yaml:"bitrate"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

// PipelineConfig holds the quality ladder
type PipelineConfig struct {
	RequiredQualities []string                    `yaml:"required_qualities"`
	DefaultResolution string                      `yaml:"default_resolution"`
	Resolutions       map[string]ResolutionConfig `yaml:"resolutions"`
	DefaultVisibility string                      `yaml:"default_visibility"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ScratchDir        string        `yaml:"scratch_dir"`
}

// ReconcilerConfig holds the stuck-video sweep settings
type ReconcilerConfig struct {
	StuckAfter     time.Duration `yaml:"stuck_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
}

// NotifierConfig holds the video-service client settings
type NotifierConfig struct {
	Address        string        `yaml:"address"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// JournalConfig holds the local failure journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	Topology    string `yaml:"topology"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	c.App.Topology = strings.ToLower(c.App.Topology)
	if c.App.Topology == "" {
		c.App.Topology = TopologyLocal
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = BackendMinIO
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 2 << 30
	}
	if len(c.Pipeline.RequiredQualities) == 0 {
		c.Pipeline.RequiredQualities = []string{"144p", "360p", "720p"}
	}
	if c.Pipeline.DefaultResolution == "" {
		c.Pipeline.DefaultResolution = "360p"
	}
	if len(c.Pipeline.Resolutions) == 0 {
		c.Pipeline.Resolutions = map[string]ResolutionConfig{
			"144p": {Bitrate: "200k", Width: 256, Height: 144},
			"360p": {Bitrate: "800k", Width: 640, Height: 360},
			"720p": {Bitrate: "2500k", Width: 1280, Height: 720},
		}
	}
	if c.Pipeline.DefaultVisibility == "" {
		c.Pipeline.DefaultVisibility = "PRIVATE"
	}
	if c.Encoder.FFmpegPath == "" {
		c.Encoder.FFmpegPath = "ffmpeg"
	}
	if c.Encoder.FFprobePath == "" {
		c.Encoder.FFprobePath = "ffprobe"
	}
	if c.Worker.ScratchDir == "" {
		c.Worker.ScratchDir = os.TempDir()
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Redis.AttemptTTL == 0 {
		c.Redis.AttemptTTL = 24 * time.Hour
	}
	if c.Notifier.RetryAttempts == 0 {
		c.Notifier.RetryAttempts = 3
	}
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if c.Server.MaxUploadBytes < 0 {
		return errors.New("server max_upload_bytes must not be negative")
	}

	return firstError(
		c.validateDatabase,
		c.validateRabbitMQ,
		c.validateObjectStore,
		c.validatePipeline,
		c.validateTopology,
	)
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be greater than 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return errors.New("worker max_attempts must be greater than 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return errors.New("worker job_timeout must be greater than 0")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker heartbeat_interval must be greater than 0")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return errors.New("worker shutdown_timeout must be greater than 0")
	}
	if c.Worker.RetryBaseDelay <= 0 {
		return errors.New("worker retry_base_delay must be greater than 0")
	}
	if c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return errors.New("worker retry_max_delay must not be less than retry_base_delay")
	}
	if c.Reconciler.StuckAfter <= c.Worker.JobTimeout {
		return errors.New("reconciler stuck_after must exceed worker job_timeout")
	}
	if c.Reconciler.SweepInterval <= 0 {
		return errors.New("reconciler sweep_interval must be greater than 0")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka brokers and topic are required when kafka is enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return errors.New("journal path is required when the journal is enabled")
	}

	return firstError(
		c.validateDatabase,
		c.validateRabbitMQ,
		c.validateObjectStore,
		c.validatePipeline,
		c.validateTopology,
	)
}

// ValidateVideoServiceConfig checks the settings the video-service needs
func (c *Config) ValidateVideoServiceConfig() error {
	if err := validatePort("grpc", c.GRPC.Port); err != nil {
		return err
	}
	if c.Reconciler.StuckAfter <= 0 {
		return errors.New("reconciler stuck_after must be greater than 0")
	}
	if c.Reconciler.SweepInterval <= 0 {
		return errors.New("reconciler sweep_interval must be greater than 0")
	}
	return c.validateDatabase()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}
	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}
	if c.Database.Database == "" {
		return errors.New("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}
	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return errors.New("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return errors.New("rabbitmq queue name is required")
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	if c.ObjectStore.Bucket == "" {
		return errors.New("object_store bucket is required")
	}

	switch c.ObjectStore.Backend {
	case BackendMinIO:
		if c.ObjectStore.MinIO.Endpoint == "" {
			return errors.New("object_store minio endpoint is required")
		}
	case BackendS3:
		if c.ObjectStore.S3.Region == "" {
			return errors.New("object_store s3 region is required")
		}
	case BackendGCS:
	default:
		return fmt.Errorf("unsupported object_store backend: %q", c.ObjectStore.Backend)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if _, err := c.Pipeline.ResolutionTable(); err != nil {
		return err
	}
	required, err := c.Pipeline.Required()
	if err != nil {
		return err
	}
	for _, r := range required {
		if _, ok := c.Pipeline.Resolutions[string(r)]; !ok {
			return fmt.Errorf("required quality %q is missing from pipeline resolutions", r)
		}
	}
	if _, err := c.Pipeline.Visibility(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTopology() error {
	switch c.App.Topology {
	case TopologyLocal:
		return nil
	case TopologySplit:
		if c.Notifier.Address == "" {
			return errors.New("notifier address is required for split topology")
		}
		return nil
	default:
		return fmt.Errorf("unsupported app topology: %q", c.App.Topology)
	}
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func firstError(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// IsSplit reports whether the encoding side talks to a remote video-service
func (a AppConfig) IsSplit() bool {
	return strings.EqualFold(a.Topology, TopologySplit)
}
