package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Conf is set on the first NewConfig call. Injection is preferred;
// this exists for the few places that render outside a request scope.
var Conf *Config

type (
	Config struct {
		Debug            bool
		TestMode         bool
		Env              string // DEV (local; default), TEST, QA, PROD
		Build            string
		AppName          string
		SecretKey        string
		WorkDir          string
		FrontendBaseURL  string
		DefaultFromEmail mail.Address
		SendgridApiKey   string
		RollbarToken     string

		Server     ServerConfig
		Database   DatabaseConfig
		Redis      RedisConfig
		Attendance AttendanceConfig
		Agent      AgentConfig
	}

	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		WebhookSecret             string
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RedisConfig struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
		Channel  string
	}

	AttendanceConfig struct {
		AutoEndInterval      time.Duration
		TokenExpirationDelta time.Duration
		LateThreshold        time.Duration
	}

	// AgentConfig drives the student agent binary; the server ignores it.
	AgentConfig struct {
		ServerBaseURL        string
		PollInterval         time.Duration
		HeartbeatInterval    time.Duration
		ReconnectDelay       time.Duration
		MaxReconnectAttempts int
		LocationTimeout      time.Duration
		LocationProvider     string // static | command
		LocationCommand      string
		StaticLatitude       float64
		StaticLongitude      float64
		LedgerPath           string
		Notifier             string // console | desktop
		AutoRefreshToken     bool
	}
)

func (c DatabaseConfig) Address() string { return c.Host + ":" + c.Port }

func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Mahudhurio")
	v.SetDefault("secretKey", "w#05teb7)q&87s=1vnc&#yh30v9=ka_2-.ml+ae4u!n9(qz$+9")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("serverHost", "0.0.0.0:8000")
	v.SetDefault("serverDebugHost", "0.0.0.0:6060")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("webhookSecret", "")

	v.SetDefault("databaseEngine", "postgres")
	v.SetDefault("databaseHost", "localhost")
	v.SetDefault("databasePort", "5432")
	v.SetDefault("databaseName", "mahudhurio")
	v.SetDefault("databaseUser", "mahudhurio")
	v.SetDefault("databasePassword", "")
	v.SetDefault("databaseAdminUser", "")
	v.SetDefault("databaseAdminPassword", "")
	v.SetDefault("databaseDisableTLS", true)

	v.SetDefault("redisEnabled", false)
	v.SetDefault("redisAddr", "localhost:6379")
	v.SetDefault("redisPassword", "")
	v.SetDefault("redisDB", 0)
	v.SetDefault("redisChannel", "mahudhurio.attendance.events")

	v.SetDefault("autoEndInterval", time.Minute)
	v.SetDefault("tokenExpirationDelta", 10*time.Minute)
	v.SetDefault("lateThreshold", 15*time.Minute)

	v.SetDefault("agentServerBaseURL", "http://localhost:8000")
	v.SetDefault("agentPollInterval", 30*time.Second)
	v.SetDefault("agentHeartbeatInterval", 30*time.Second)
	v.SetDefault("agentReconnectDelay", 3*time.Second)
	v.SetDefault("agentMaxReconnectAttempts", 5)
	v.SetDefault("agentLocationTimeout", 10*time.Second)
	v.SetDefault("agentLocationProvider", "command")
	v.SetDefault("agentLocationCommand", "termux-location")
	v.SetDefault("agentStaticLatitude", 0)
	v.SetDefault("agentStaticLongitude", 0)
	v.SetDefault("agentLedgerPath", "")
	v.SetDefault("agentNotifier", "console")
	v.SetDefault("agentAutoRefreshToken", true)

	env := os.Getenv("ENV")
	if env == "" {
		env = "DEV"
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	wd := Getwd()
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err = godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Debug:            v.GetBool("debug"),
		TestMode:         strings.ToUpper(env) == "TEST",
		Env:              env,
		Build:            v.GetString("build"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		WorkDir:          wd,
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		DefaultFromEmail: mail.Address{Name: v.GetString("appName"), Address: v.GetString("defaultFromEmail")},
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:                      v.GetString("serverHost"),
			DebugHost:                 v.GetString("serverDebugHost"),
			ShutdownTimeout:           v.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
			WebhookSecret:             v.GetString("webhookSecret"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("databaseEngine"),
			Host:          v.GetString("databaseHost"),
			Port:          v.GetString("databasePort"),
			Name:          v.GetString("databaseName"),
			User:          v.GetString("databaseUser"),
			Password:      v.GetString("databasePassword"),
			AdminUser:     v.GetString("databaseAdminUser"),
			AdminPassword: v.GetString("databaseAdminPassword"),
			DisableTLS:    v.GetBool("databaseDisableTLS"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redisEnabled"),
			Addr:     v.GetString("redisAddr"),
			Password: v.GetString("redisPassword"),
			DB:       v.GetInt("redisDB"),
			Channel:  v.GetString("redisChannel"),
		},
		Attendance: AttendanceConfig{
			AutoEndInterval:      v.GetDuration("autoEndInterval"),
			TokenExpirationDelta: v.GetDuration("tokenExpirationDelta"),
			LateThreshold:        v.GetDuration("lateThreshold"),
		},
		Agent: AgentConfig{
			ServerBaseURL:        v.GetString("agentServerBaseURL"),
			PollInterval:         v.GetDuration("agentPollInterval"),
			HeartbeatInterval:    v.GetDuration("agentHeartbeatInterval"),
			ReconnectDelay:       v.GetDuration("agentReconnectDelay"),
			MaxReconnectAttempts: v.GetInt("agentMaxReconnectAttempts"),
			LocationTimeout:      v.GetDuration("agentLocationTimeout"),
			LocationProvider:     v.GetString("agentLocationProvider"),
			LocationCommand:      v.GetString("agentLocationCommand"),
			StaticLatitude:       v.GetFloat64("agentStaticLatitude"),
			StaticLongitude:      v.GetFloat64("agentStaticLongitude"),
			LedgerPath:           v.GetString("agentLedgerPath"),
			Notifier:             v.GetString("agentNotifier"),
			AutoRefreshToken:     v.GetBool("agentAutoRefreshToken"),
		},
	}

	if err := conf.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	Conf = conf
	return conf
}

func (c *Config) Validate() error {
	if err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(c.AppName, "appName"),
		vala.StringNotEmpty(c.SecretKey, "secretKey"),
		vala.StringNotEmpty(c.Server.Host, "serverHost"),
		vala.StringNotEmpty(c.Database.Engine, "databaseEngine"),
		vala.StringNotEmpty(c.Database.Name, "databaseName"),
	).Check(); err != nil {
		return err
	}

	var flds []FieldError
	if c.Server.JWTExpirationDelta <= 0 {
		flds = append(flds, FieldError{Field: "jwtExpirationDelta", Error: "must be positive"})
	}
	if c.Attendance.AutoEndInterval <= 0 {
		flds = append(flds, FieldError{Field: "autoEndInterval", Error: "must be positive"})
	}
	if c.Attendance.TokenExpirationDelta <= 0 {
		flds = append(flds, FieldError{Field: "tokenExpirationDelta", Error: "must be positive"})
	}
	if c.Agent.PollInterval <= 0 {
		flds = append(flds, FieldError{Field: "agentPollInterval", Error: "must be positive"})
	}
	if c.Agent.HeartbeatInterval <= 0 {
		flds = append(flds, FieldError{Field: "agentHeartbeatInterval", Error: "must be positive"})
	}
	if c.Agent.MaxReconnectAttempts < 1 {
		flds = append(flds, FieldError{Field: "agentMaxReconnectAttempts", Error: "must be at least 1"})
	}
	if flds != nil {
		return NewValidationError(errors.New("invalid configuration"), flds...)
	}
	return nil
}
