package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Resources  Inventory        `yaml:"resources"`
	Stages     StageConfig      `yaml:"stages"`
	Batch      BatchConfig      `yaml:"batch"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Notify     NotifyConfig     `yaml:"notify"`
	Server     ServerConfig     `yaml:"server"`
	Barcode    BarcodeConfig    `yaml:"barcode"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Watch      WatchConfig      `yaml:"watch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// StageConfig 工序时长配置
type StageConfig struct {
	TimeUnit      time.Duration `yaml:"time_unit"`
	TransferUnits float64       `yaml:"transfer_units"`
	MeasureUnits  float64       `yaml:"measure_units"`
}

// TransferDuration 转移工序时长
func (c StageConfig) TransferDuration() time.Duration {
	return time.Duration(c.TransferUnits * float64(c.TimeUnit))
}

// MeasureDuration 测量工序时长
func (c StageConfig) MeasureDuration() time.Duration {
	return time.Duration(c.MeasureUnits * float64(c.TimeUnit))
}

// BatchConfig 批处理模式配置
type BatchConfig struct {
	Samples []string `yaml:"samples"`
	Count   int      `yaml:"count"`
}

// DispatcherConfig 调度器配置
type DispatcherConfig struct {
	HistorySize int `yaml:"history_size"`
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	Console     bool          `yaml:"console"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// OriginPatterns 允许发起 WebSocket 连接的跨域来源主机模式，为空时只允许同源
	OriginPatterns []string `yaml:"origin_patterns"`
}

// Addr 监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// BarcodeConfig 条码扫描器配置
type BarcodeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Device    string `yaml:"device"`
	Delimiter string `yaml:"delimiter"`
}

// KafkaConfig Kafka 样品到达源配置
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// WatchConfig 目录监听配置
type WatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Resources: Inventory{
			CategoryRobot:      {"Robby"},
			CategoryStore:      {"Corner"},
			CategoryInstrument: {"Inst1", "Inst2", "Inst3"},
		},
		Stages: StageConfig{
			TimeUnit:      time.Second,
			TransferUnits: 1,
			MeasureUnits:  4,
		},
		Batch: BatchConfig{
			Count: 3,
		},
		Dispatcher: DispatcherConfig{
			HistorySize: 256,
		},
		Notify: NotifyConfig{
			Console:     true,
			SendTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Barcode: BarcodeConfig{
			Device:    "/dev/ttyUSB0",
			Delimiter: "\r",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "sample-arrivals",
			GroupID: "labsched",
		},
		Watch: WatchConfig{
			Directory: "data",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig 从 YAML 文件加载配置，未设置的字段使用默认值，环境变量覆盖文件
func LoadConfig(path string) (*Config, error) {
	config := GetDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			GetSugaredLogger().Warnf("config file %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decodeConfig(data, config); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	config.applyEnvOverrides()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ParseConfig 解析 YAML 内容并覆盖到 config 上
func ParseConfig(data []byte, config *Config) error {
	if err := decodeConfig(data, config); err != nil {
		return err
	}
	return config.Validate()
}

func decodeConfig(data []byte, config *Config) error {
	// resources 整体替换而不是与默认值合并
	var top struct {
		Resources map[string][]string `yaml:"resources"`
	}
	if err := yaml.Unmarshal(data, &top); err != nil {
		return err
	}
	if top.Resources != nil {
		config.Resources = nil
	}
	return yaml.Unmarshal(data, config)
}

// applyEnvOverrides 环境变量覆盖部署相关的配置项
func (c *Config) applyEnvOverrides() {
	c.Log.Level = getEnvOrDefault("LABSCHED_LOG_LEVEL", c.Log.Level)
	c.Server.Address = getEnvOrDefault("LABSCHED_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvIntOrDefault("LABSCHED_PORT", c.Server.Port)
	if origins := splitList(os.Getenv("LABSCHED_ORIGIN_PATTERNS")); len(origins) > 0 {
		c.Server.OriginPatterns = origins
	}
	c.Barcode.Device = getEnvOrDefault("LABSCHED_BARCODE_DEVICE", c.Barcode.Device)
	if brokers := splitList(os.Getenv("LABSCHED_KAFKA_BROKERS")); len(brokers) > 0 {
		c.Kafka.Brokers = brokers
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := ValidateInventory(c.Resources); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if c.Stages.TimeUnit <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("stages.time_unit", "must be greater than 0", c.Stages.TimeUnit))
	}
	if c.Stages.TransferUnits <= 0 || c.Stages.MeasureUnits <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("stages", "transfer_units and measure_units must be greater than 0", c.Stages))
	}
	if c.Batch.Count < 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("batch.count", "cannot be negative", c.Batch.Count))
	}
	if c.Dispatcher.HistorySize < 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("dispatcher.history_size", "cannot be negative", c.Dispatcher.HistorySize))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("server.port", "must be between 1 and 65535", c.Server.Port))
	}
	if c.Barcode.Enabled && c.Barcode.Device == "" {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("barcode.device", "cannot be empty", c.Barcode.Device))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("kafka", "brokers and topic are required", c.Kafka))
	}
	if c.Watch.Enabled && c.Watch.Directory == "" {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration,
			NewValidationError("watch.directory", "cannot be empty", c.Watch.Directory))
	}
	return nil
}

// BatchSamples 批处理模式下的样品列表
func (c *Config) BatchSamples() []Sample {
	if len(c.Batch.Samples) > 0 {
		return NewSamples(c.Batch.Samples...)
	}
	return GenerateSamples(c.Batch.Count)
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
