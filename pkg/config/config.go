package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"gyrolink/pkg/bridge/foxglove"
	"gyrolink/pkg/bridge/mqtt"
	"gyrolink/pkg/logger"
	"gyrolink/pkg/protocol"
	"gyrolink/pkg/sensor"
	"gyrolink/pkg/session"
)

const DefaultConfigPath = "gyrolink.toml"

const (
	SensorMock   = "mock"
	SensorSerial = "serial"
)

type Config struct {
	Connection ConnectionConfig `toml:"connection"`
	Streaming  StreamingConfig  `toml:"streaming"`
	Sensor     SensorConfig     `toml:"sensor"`
	Log        LogConfig        `toml:"log"`
	Foxglove   FoxgloveConfig   `toml:"foxglove"`
	MQTT       MQTTConfig       `toml:"mqtt"`
	Metrics    MetricsConfig    `toml:"metrics"`
	configPath string           `toml:"-"`
}

type ConnectionConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	ConnectTimeout string `toml:"connect_timeout"`
	PollTimeout    string `toml:"poll_timeout"`
	// SendTimeout bounds one write. "0s" means no write deadline: a stalled
	// send then waits until streaming stops or the session disconnects.
	SendTimeout string `toml:"send_timeout"`
	ChunkSize   int    `toml:"chunk_size"`
}

type StreamingConfig struct {
	Interval        string `toml:"interval"`
	MaxSendFailures int    `toml:"max_send_failures"`
}

type SensorConfig struct {
	Kind   string `toml:"kind"`
	Port   string `toml:"port,omitempty"`
	Baud   int    `toml:"baud"`
	MaxAge string `toml:"max_age"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file,omitempty"`
	History string `toml:"history,omitempty"`
}

type FoxgloveConfig struct {
	Enabled        bool   `toml:"enabled"`
	WSAddr         string `toml:"ws_addr"`
	EventTopic     string `toml:"event_topic"`
	MarkerTopic    string `toml:"marker_topic"`
	TransformTopic string `toml:"transform_topic"`
	LogTopic       string `toml:"log_topic"`
	ParentFrame    string `toml:"parent_frame"`
	FrameID        string `toml:"frame_id"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	QoS      uint8  `toml:"qos"`
}

type MetricsConfig struct {
	Addr string `toml:"addr,omitempty"`
}

func Default() Config {
	sess := session.DefaultConfig()
	fox := foxglove.DefaultConfig()
	mq := mqtt.DefaultConfig()
	return Config{
		Connection: ConnectionConfig{
			Host:           "127.0.0.1",
			Port:           9000,
			ConnectTimeout: sess.ConnectTimeout.String(),
			PollTimeout:    sess.PollTimeout.String(),
			SendTimeout:    sess.SendTimeout.String(),
			ChunkSize:      sess.ChunkSize,
		},
		Streaming: StreamingConfig{
			Interval:        protocol.DefaultInterval.String(),
			MaxSendFailures: sess.MaxSendFailures,
		},
		Sensor: SensorConfig{
			Kind:   SensorMock,
			Baud:   sensor.DefaultSerialBaud,
			MaxAge: sensor.DefaultSerialMaxAge.String(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Foxglove: FoxgloveConfig{
			WSAddr:         fox.WSAddr,
			EventTopic:     fox.EventTopic,
			MarkerTopic:    fox.MarkerTopic,
			TransformTopic: fox.TransformTopic,
			LogTopic:       fox.LogTopic,
			ParentFrame:    fox.ParentFrameID,
			FrameID:        fox.FrameID,
		},
		MQTT: MQTTConfig{
			Broker:   mq.Broker,
			ClientID: mq.ClientID,
			Topic:    mq.Topic,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, fmt.Errorf("load config %s: %w", path, os.ErrNotExist)
	}
	return cfg, nil
}

// LoadOrDefault reads path over the defaults. A missing file is not an
// error; exists reports whether it was found.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	if _, err := cfg.Endpoint(); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	for name, value := range map[string]string{
		"connection.connect_timeout": cfg.Connection.ConnectTimeout,
		"connection.poll_timeout":    cfg.Connection.PollTimeout,
		"streaming.interval":         cfg.Streaming.Interval,
	} {
		d, err := parseDuration(name, value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}
	for name, value := range map[string]string{
		"connection.send_timeout": cfg.Connection.SendTimeout,
		"sensor.max_age":          cfg.Sensor.MaxAge,
	} {
		d, err := parseDuration(name, value)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, value)
		}
	}
	if cfg.Connection.ChunkSize <= 0 {
		return fmt.Errorf("connection.chunk_size must be positive, got %d", cfg.Connection.ChunkSize)
	}
	if cfg.Streaming.MaxSendFailures < 0 {
		return fmt.Errorf("streaming.max_send_failures must not be negative, got %d", cfg.Streaming.MaxSendFailures)
	}

	if cfg.Sensor.Baud < 0 {
		return fmt.Errorf("sensor.baud must not be negative, got %d", cfg.Sensor.Baud)
	}
	switch cfg.Sensor.Kind {
	case SensorMock:
	case SensorSerial:
		if cfg.Sensor.Port == "" {
			return errors.New("sensor.port is required for the serial sensor")
		}
	default:
		return fmt.Errorf("unknown sensor.kind %q", cfg.Sensor.Kind)
	}

	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos out of range: %d", cfg.MQTT.QoS)
	}
	return nil
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Connection.Host = strings.TrimSpace(cfg.Connection.Host)
	if cfg.Connection.ConnectTimeout == "" {
		cfg.Connection.ConnectTimeout = def.Connection.ConnectTimeout
	}
	if cfg.Connection.PollTimeout == "" {
		cfg.Connection.PollTimeout = def.Connection.PollTimeout
	}
	if cfg.Connection.SendTimeout == "" {
		cfg.Connection.SendTimeout = def.Connection.SendTimeout
	}
	if cfg.Connection.ChunkSize == 0 {
		cfg.Connection.ChunkSize = def.Connection.ChunkSize
	}

	if cfg.Streaming.Interval == "" {
		cfg.Streaming.Interval = def.Streaming.Interval
	}

	cfg.Sensor.Kind = strings.ToLower(strings.TrimSpace(cfg.Sensor.Kind))
	if cfg.Sensor.Kind == "" {
		cfg.Sensor.Kind = def.Sensor.Kind
	}
	if cfg.Sensor.Baud == 0 {
		cfg.Sensor.Baud = def.Sensor.Baud
	}
	if cfg.Sensor.MaxAge == "" {
		cfg.Sensor.MaxAge = def.Sensor.MaxAge
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}

	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.EventTopic == "" {
		cfg.Foxglove.EventTopic = def.Foxglove.EventTopic
	}
	if cfg.Foxglove.MarkerTopic == "" {
		cfg.Foxglove.MarkerTopic = def.Foxglove.MarkerTopic
	}
	if cfg.Foxglove.TransformTopic == "" {
		cfg.Foxglove.TransformTopic = def.Foxglove.TransformTopic
	}
	if cfg.Foxglove.LogTopic == "" {
		cfg.Foxglove.LogTopic = def.Foxglove.LogTopic
	}
	if cfg.Foxglove.ParentFrame == "" {
		cfg.Foxglove.ParentFrame = def.Foxglove.ParentFrame
	}
	if cfg.Foxglove.FrameID == "" {
		cfg.Foxglove.FrameID = def.Foxglove.FrameID
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = def.MQTT.ClientID
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = def.MQTT.Topic
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	// Relative output files live next to the config file.
	baseDir := filepath.Dir(path)
	cfg.Log.File = resolvePath(baseDir, cfg.Log.File)
	cfg.Log.History = resolvePath(baseDir, cfg.Log.History)
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "-" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}

// mustDuration is only used after Validate has accepted value.
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(value))
	return d
}

func (cfg *Config) Endpoint() (protocol.Endpoint, error) {
	ep := protocol.Endpoint{Host: cfg.Connection.Host, Port: cfg.Connection.Port}
	return ep, ep.Validate()
}

func (cfg *Config) SessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:  mustDuration(cfg.Connection.ConnectTimeout),
		PollTimeout:     mustDuration(cfg.Connection.PollTimeout),
		SendTimeout:     mustDuration(cfg.Connection.SendTimeout),
		ChunkSize:       cfg.Connection.ChunkSize,
		MaxSendFailures: cfg.Streaming.MaxSendFailures,
	}
}

func (cfg *Config) StreamingConfig() protocol.StreamingConfig {
	return protocol.StreamingConfig{Interval: mustDuration(cfg.Streaming.Interval)}
}

func (cfg *Config) SerialConfig() sensor.SerialConfig {
	return sensor.SerialConfig{
		PortName: cfg.Sensor.Port,
		BaudRate: cfg.Sensor.Baud,
		MaxAge:   mustDuration(cfg.Sensor.MaxAge),
	}
}

func (cfg *Config) LoggerOptions() logger.Options {
	opts := logger.DefaultOptions()
	opts.Level = cfg.Log.Level
	opts.File = cfg.Log.File
	return opts
}

func (cfg *Config) FoxgloveConfig() foxglove.Config {
	fox := foxglove.DefaultConfig()
	fox.WSAddr = cfg.Foxglove.WSAddr
	fox.EventTopic = cfg.Foxglove.EventTopic
	fox.MarkerTopic = cfg.Foxglove.MarkerTopic
	fox.TransformTopic = cfg.Foxglove.TransformTopic
	fox.LogTopic = cfg.Foxglove.LogTopic
	fox.ParentFrameID = cfg.Foxglove.ParentFrame
	fox.FrameID = cfg.Foxglove.FrameID
	return fox
}

func (cfg *Config) MQTTConfig() mqtt.Config {
	mq := mqtt.DefaultConfig()
	mq.Broker = cfg.MQTT.Broker
	mq.ClientID = cfg.MQTT.ClientID
	mq.Topic = cfg.MQTT.Topic
	mq.QoS = cfg.MQTT.QoS
	return mq
}
