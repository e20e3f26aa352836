package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個服務的配置
//
// 載入順序（後者覆蓋前者）：
//
//	DefaultConfig → YAML 檔 → .env 檔 → 環境變數 → 命令列參數
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WebSocket WebSocketConfig `yaml:"websocket"`

	Registry struct {
		ClampPositions bool `yaml:"clamp_positions"`
	} `yaml:"registry"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// WebSocketConfig 連線層參數
//
// 時間配置原理（沿用 Ping/Pong 心跳慣例）：
//
//	PingPeriod < PongWait，留出網路延遲的餘量
//	SendTimeout 限制單一接收者能拖住廣播的最長時間
//	SweepInterval 是「傳輸層已關閉但仍在註冊表」的最長殘留時間
type WebSocketConfig struct {
	Path            string        `yaml:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	WriteWait       time.Duration `yaml:"write_wait"`
	PongWait        time.Duration `yaml:"pong_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.WebSocket = WebSocketConfig{
		Path:            "/session",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  4096,
		SendBuffer:      256,
		SendTimeout:     time.Second,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		SweepInterval:   5 * time.Second,
	}

	cfg.Registry.ClampPositions = true

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 從 YAML 檔載入配置；path 為空時只回傳預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	// #nosec G304 - path 來自命令列參數，非使用者請求
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvFile 套用 .env 檔中的覆蓋值，不修改行程的環境變數
//
// 檔案不存在不是錯誤。
func (c *Config) ApplyEnvFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}

	return c.applyOverrides(func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	})
}

// ApplyEnv 套用環境變數覆蓋值
func (c *Config) ApplyEnv() error {
	return c.applyOverrides(os.LookupEnv)
}

func (c *Config) applyOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookup("WS_PATH"); ok && v != "" {
		c.WebSocket.Path = v
	}
	if v, ok := lookup("SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SWEEP_INTERVAL: %w", err)
		}
		c.WebSocket.SweepInterval = d
	}
	if v, ok := lookup("SEND_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SEND_TIMEOUT: %w", err)
		}
		c.WebSocket.SendTimeout = d
	}
	return nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port 必須在 1-65535 之間: %d", c.Server.Port)
	}

	ws := c.WebSocket
	if !strings.HasPrefix(ws.Path, "/") {
		return fmt.Errorf("websocket.path 必須以 / 開頭: %q", ws.Path)
	}
	if ws.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer 必須大於 0")
	}
	if ws.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket.max_message_size 必須大於 0")
	}
	if ws.SendTimeout <= 0 || ws.WriteWait <= 0 || ws.SweepInterval <= 0 {
		return fmt.Errorf("websocket 的 send_timeout、write_wait、sweep_interval 必須大於 0")
	}
	if ws.PingPeriod <= 0 || ws.PingPeriod >= ws.PongWait {
		return fmt.Errorf("websocket.ping_period 必須小於 pong_wait: %v >= %v", ws.PingPeriod, ws.PongWait)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format 只支援 text 或 json: %q", c.Log.Format)
	}

	return nil
}
