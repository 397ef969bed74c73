package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/edgecam/edgecam/internal/app/capture"
	"github.com/edgecam/edgecam/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	SignalingServerURL string `mapstructure:"signaling_server_url"`
	DeviceID           string `mapstructure:"device_id"`

	EnableLogging bool   `mapstructure:"config_enable_logging"`
	LogLevel      string `mapstructure:"log_level"`

	Mode     string `mapstructure:"mode"`
	HTTPAddr string `mapstructure:"http_addr"`

	ICEServers         []string      `mapstructure:"ice_servers"`
	ICECheckingTimeout time.Duration `mapstructure:"ice_checking_timeout"`
	OfferRateLimit     float64       `mapstructure:"offer_rate_limit"`
	OfferRateBurst     int           `mapstructure:"offer_rate_burst"`

	CameraDevice      string        `mapstructure:"camera_device"`
	CameraWidth       int           `mapstructure:"camera_width"`
	CameraHeight      int           `mapstructure:"camera_height"`
	CameraFPS         int           `mapstructure:"camera_fps"`
	CameraBitrate     string        `mapstructure:"camera_bitrate"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	CameraOpenTimeout time.Duration `mapstructure:"camera_open_timeout"`
	CameraQueuePolicy string        `mapstructure:"camera_queue_policy"`

	MQTTBroker     string        `mapstructure:"mqtt_broker"`
	MQTTPort       int           `mapstructure:"mqtt_port"`
	MQTTQoS        int           `mapstructure:"mqtt_qos"`
	Timezone       string        `mapstructure:"config_timezone"`
	SensorInterval time.Duration `mapstructure:"sensor_interval"`
}

// Load reads the env file named by CONFIG_ENV_FILE (default ".env"), then
// lets process environment variables override it.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	return LoadFrom(path)
}

func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("signaling_server_url", "")
	v.SetDefault("device_id", "")
	v.SetDefault("config_enable_logging", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("mode", "release")
	v.SetDefault("http_addr", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice_checking_timeout", "5s")
	v.SetDefault("offer_rate_limit", 1.0)
	v.SetDefault("offer_rate_burst", 3)
	v.SetDefault("camera_device", "/dev/video0")
	v.SetDefault("camera_width", 640)
	v.SetDefault("camera_height", 480)
	v.SetDefault("camera_fps", 30)
	v.SetDefault("camera_bitrate", "1M")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("camera_open_timeout", "10s")
	v.SetDefault("camera_queue_policy", capture.DropOldest.String())
	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_port", 1883)
	v.SetDefault("mqtt_qos", 1)
	v.SetDefault("config_timezone", "UTC")
	v.SetDefault("sensor_interval", "1s")

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", path).Msg("env file not loaded, using environment only")
	} else {
		log.Debug().Str("module", "config").Str("file", path).Msg("loaded env file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ValidateCamera checks the keys the camera daemon cannot run without.
func (c *Config) ValidateCamera() error {
	if _, err := domain.NewDeviceID(c.DeviceID); err != nil {
		return fmt.Errorf("%w: DEVICE_ID: %w", ErrInvalid, err)
	}
	if c.SignalingServerURL == "" {
		return fmt.Errorf("%w: SIGNALING_SERVER_URL is required", ErrInvalid)
	}
	if c.ICECheckingTimeout <= 0 {
		return fmt.Errorf("%w: ICE_CHECKING_TIMEOUT must be positive", ErrInvalid)
	}
	if c.CameraOpenTimeout <= 0 {
		return fmt.Errorf("%w: CAMERA_OPEN_TIMEOUT must be positive", ErrInvalid)
	}
	if _, err := capture.ParseOverflowPolicy(c.CameraQueuePolicy); err != nil {
		return fmt.Errorf("%w: CAMERA_QUEUE_POLICY: %w", ErrInvalid, err)
	}
	if c.CameraDevice == "" {
		return fmt.Errorf("%w: CAMERA_DEVICE is required", ErrInvalid)
	}
	return nil
}

// ValidateSensor checks the keys the sensor daemon cannot run without.
func (c *Config) ValidateSensor() error {
	if _, err := domain.NewDeviceID(c.DeviceID); err != nil {
		return fmt.Errorf("%w: DEVICE_ID: %w", ErrInvalid, err)
	}
	if c.MQTTBroker == "" {
		return fmt.Errorf("%w: MQTT_BROKER is required", ErrInvalid)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("%w: MQTT_PORT out of range", ErrInvalid)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("%w: MQTT_QOS must be 0, 1 or 2", ErrInvalid)
	}
	if c.SensorInterval <= 0 {
		return fmt.Errorf("%w: SENSOR_INTERVAL must be positive", ErrInvalid)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: CONFIG_TIMEZONE: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
