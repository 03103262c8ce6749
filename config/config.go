package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

// SysConfig holds process-level settings.
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig holds the HTTP/WS gateway listener settings.
type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// DBConfig holds application database settings. Type is sqlite or postgres;
// sqlite databases are created under the workdir.
type DBConfig struct {
	Type   string `yaml:"type" json:"type"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Name   string `yaml:"name" json:"name"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	Debug  bool   `yaml:"debug" json:"debug"`
}

// BridgeConfig tunes the WhatsApp session manager.
type BridgeConfig struct {
	// HistorySize is the per-chat in-memory message cap (FIFO trimmed).
	HistorySize int `yaml:"history_size" json:"history_size"`
	// HistoryQueryLimit is the default number of messages returned by a
	// history query when the caller does not pass a limit.
	HistoryQueryLimit int `yaml:"history_query_limit" json:"history_query_limit"`
	// SendTimeout (seconds) bounds one send attempt; a timeout forces a
	// reconnect cycle for the session.
	SendTimeout int `yaml:"send_timeout" json:"send_timeout"`
	// QRPollInterval (milliseconds) and QRPollAttempts bound how long a QR
	// request waits for the pairing code before reporting "not available".
	QRPollInterval int `yaml:"qr_poll_interval" json:"qr_poll_interval"`
	QRPollAttempts int `yaml:"qr_poll_attempts" json:"qr_poll_attempts"`
	// ReconnectDelay (milliseconds) before redialing after a transient close.
	ReconnectDelay int `yaml:"reconnect_delay" json:"reconnect_delay"`
	// MaxReconnects caps automatic redials before a session parks as
	// Disconnected and waits for an explicit start.
	MaxReconnects int `yaml:"max_reconnects" json:"max_reconnects"`
	// Backoff (seconds) is the cool-down enforced after a logout/unpair
	// before the session may attempt to pair again.
	Backoff int `yaml:"backoff" json:"backoff"`
	// WebhookURL receives inbound messages ({session, from, text, timestamp});
	// empty disables forwarding. WebhookSite is sent as the site header.
	WebhookURL  string `yaml:"webhook_url" json:"webhook_url"`
	WebhookSite string `yaml:"webhook_site" json:"webhook_site"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SysConfig    `yaml:"system" json:"system"`
	Web      WebConfig    `yaml:"web" json:"web"`
	Database DBConfig     `yaml:"database" json:"database"`
	Bridge   BridgeConfig `yaml:"bridge" json:"bridge"`
	Logger   LogConfig    `yaml:"logger" json:"logger"`
}

// DefaultAppConfig mirrors the shipped wabridge.yml.
var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wabridge",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wabridge",
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 8001,
	},
	Database: DBConfig{
		Type: "sqlite",
		Name: "wabridge",
	},
	Bridge: BridgeConfig{
		HistorySize:       200,
		HistoryQueryLimit: 50,
		SendTimeout:       20,
		QRPollInterval:    500,
		QRPollAttempts:    30,
		ReconnectDelay:    1500,
		MaxReconnects:     8,
		Backoff:           60,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wabridge/wabridge.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		f(v)
	}
}

// LoadConfig reads the YAML config file and applies WABRIDGE_* environment
// overrides. A missing file yields the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvValue("WABRIDGE_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("WABRIDGE_SYSTEM_DEBUG", func(v string) { cfg.System.Debug = cast.ToBool(v) })
	setEnvValue("WABRIDGE_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvValue("WABRIDGE_WEB_PORT", func(v string) { cfg.Web.Port = cast.ToInt(v) })
	setEnvValue("WABRIDGE_DB_TYPE", func(v string) { cfg.Database.Type = v })
	setEnvValue("WABRIDGE_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("WABRIDGE_DB_PORT", func(v string) { cfg.Database.Port = cast.ToInt(v) })
	setEnvValue("WABRIDGE_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("WABRIDGE_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("WABRIDGE_DB_PWD", func(v string) { cfg.Database.Passwd = v })
	setEnvValue("WABRIDGE_WEBHOOK_URL", func(v string) { cfg.Bridge.WebhookURL = v })
	setEnvValue("WABRIDGE_WEBHOOK_SITE", func(v string) { cfg.Bridge.WebhookSite = v })
	setEnvValue("WABRIDGE_LOGGER_MODE", func(v string) { cfg.Logger.Mode = v })

	cfg.normalize()
	return cfg
}

// normalize backfills zero values so partially written config files keep the
// documented defaults.
func (c *AppConfig) normalize() {
	def := DefaultAppConfig.Bridge
	if c.Bridge.HistorySize <= 0 {
		c.Bridge.HistorySize = def.HistorySize
	}
	if c.Bridge.HistoryQueryLimit <= 0 {
		c.Bridge.HistoryQueryLimit = def.HistoryQueryLimit
	}
	if c.Bridge.HistoryQueryLimit > c.Bridge.HistorySize {
		c.Bridge.HistoryQueryLimit = c.Bridge.HistorySize
	}
	if c.Bridge.SendTimeout <= 0 {
		c.Bridge.SendTimeout = def.SendTimeout
	}
	if c.Bridge.QRPollInterval <= 0 {
		c.Bridge.QRPollInterval = def.QRPollInterval
	}
	if c.Bridge.QRPollAttempts <= 0 {
		c.Bridge.QRPollAttempts = def.QRPollAttempts
	}
	if c.Bridge.ReconnectDelay <= 0 {
		c.Bridge.ReconnectDelay = def.ReconnectDelay
	}
	if c.Bridge.MaxReconnects <= 0 {
		c.Bridge.MaxReconnects = def.MaxReconnects
	}
	if c.Bridge.Backoff <= 0 {
		c.Bridge.Backoff = def.Backoff
	}
	if c.Web.Port == 0 {
		c.Web.Port = DefaultAppConfig.Web.Port
	}
	if c.System.Workdir == "" {
		c.System.Workdir = DefaultAppConfig.System.Workdir
	}
}

// SessionsDir is where per-session WhatsApp credentials live; deleting one
// session directory is the reset/unpair operation.
func (c *AppConfig) SessionsDir() string {
	return filepath.Join(c.System.Workdir, "sessions")
}
