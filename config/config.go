package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/evalphobia/logrus_sentry"
	"github.com/gomodule/redigo/redis"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

const (
	DEVELOPMENT = "development"
	STAGING     = "staging"
	PRODUCTION  = "production"
)

// EnvPrefix is the prefix of environment variables overriding the configuration.
const EnvPrefix = "FUNNEL"

type DBConf struct {
	Host     string `json:"host" envconfig:"HOST"`
	Port     int    `json:"port" envconfig:"PORT"`
	User     string `json:"user" envconfig:"USER"`
	Name     string `json:"name" envconfig:"NAME"`
	Password string `json:"password" envconfig:"PASSWORD"`
}

type ClickHouseConf struct {
	Addr     string `json:"addr" envconfig:"ADDR"`
	Database string `json:"database" envconfig:"DATABASE"`
	User     string `json:"user" envconfig:"USER"`
	Password string `json:"password" envconfig:"PASSWORD"`
	// Seconds.
	DialTimeout      int `json:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	MaxExecutionTime int `json:"max_execution_time" envconfig:"MAX_EXECUTION_TIME"`
	MaxOpenConns     int `json:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
}

type Configuration struct {
	AppName        string         `json:"app_name" envconfig:"APP_NAME"`
	Env            string         `json:"env" envconfig:"ENV"`
	ClickHouseInfo ClickHouseConf `json:"clickhouse" envconfig:"CLICKHOUSE"`
	DBInfo         DBConf         `json:"db" envconfig:"DB"`
	RedisHost      string         `json:"redis_host" envconfig:"REDIS_HOST"`
	RedisPort      int            `json:"redis_port" envconfig:"REDIS_PORT"`
	SentryDSN      string         `json:"sentry_dsn" envconfig:"SENTRY_DSN"`

	// Event properties stored as dedicated columns on the events table,
	// i.e $source is available as events.properties_$source.
	DenormalizedProperties []string `json:"denormalized_properties" envconfig:"DENORMALIZED_PROPERTIES"`

	// Comma separated project ids or '*' for all.
	FunnelQueryCacheProjectIDs  string `json:"funnel_query_cache_project_ids" envconfig:"FUNNEL_QUERY_CACHE_PROJECT_IDS"`
	FunnelQueryCacheExpirySecs  int    `json:"funnel_query_cache_expiry_secs" envconfig:"FUNNEL_QUERY_CACHE_EXPIRY_SECS"`
	ActionCacheSize             int    `json:"action_cache_size" envconfig:"ACTION_CACHE_SIZE"`
	SlowQueryThresholdInSeconds int    `json:"slow_query_threshold_in_seconds" envconfig:"SLOW_QUERY_THRESHOLD_IN_SECONDS"`

	GCPProjectID       string `json:"gcp_project_id" envconfig:"GCP_PROJECT_ID"`
	GCPProjectLocation string `json:"gcp_project_location" envconfig:"GCP_PROJECT_LOCATION"`
}

type Services struct {
	ClickHouse      clickhouse.Conn
	Db              *gorm.DB
	CacheRedisPool  *redis.Pool
	funnelCacheProj map[int64]bool
	funnelCacheAll  bool
}

var configuration *Configuration
var services *Services

func initLogging(config *Configuration) error {
	// Log as JSON instead of the default ASCII formatter.
	log.SetFormatter(&log.JSONFormatter{})

	if config.Env == DEVELOPMENT {
		log.SetLevel(log.DebugLevel)
	}

	if config.SentryDSN == "" {
		return nil
	}

	hook, err := logrus_sentry.NewSentryHook(config.SentryDSN, []log.Level{
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
	})
	if err != nil {
		return err
	}
	hook.SetEnvironment(config.Env)
	hook.Timeout = 2 * time.Second
	log.AddHook(hook)

	return nil
}

// ReadConfigFile Reads configuration json from the given path.
func ReadConfigFile(path string) (*Configuration, error) {
	absPath, _ := filepath.Abs(path)
	logCtx := log.WithField("file", absPath)

	raw, err := os.ReadFile(absPath)
	if err != nil {
		logCtx.WithError(err).Error("Failed to load config.")
		return nil, err
	}

	var config Configuration
	if err := json.Unmarshal(raw, &config); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal config json.")
		return nil, err
	}

	return &config, nil
}

// ApplyEnvOverrides Overrides configuration values with FUNNEL_* environment variables.
func ApplyEnvOverrides(config *Configuration) error {
	return envconfig.Process(EnvPrefix, config)
}

// InitConf Initializes configuration and logging. Services are initialized separately.
func InitConf(config *Configuration) error {
	if config == nil {
		return fmt.Errorf("nil configuration")
	}

	if err := ApplyEnvOverrides(config); err != nil {
		log.WithError(err).Error("Failed to apply env overrides on config.")
		return err
	}

	if config.Env == "" {
		config.Env = DEVELOPMENT
	}

	configuration = config
	if err := initLogging(config); err != nil {
		log.WithError(err).Error("Failed to initialize sentry hook.")
		return err
	}

	allProjects, projectIDs, _ := GetProjectsFromListWithAllProjectSupport(config.FunnelQueryCacheProjectIDs, "")
	services = &Services{funnelCacheAll: allProjects, funnelCacheProj: projectIDs}

	log.WithFields(log.Fields{"app_name": config.AppName, "env": config.Env}).Info("Config initialized.")
	return nil
}

// InitClickHouse Opens the events store connection.
func InitClickHouse(conf ClickHouseConf) error {
	if services == nil {
		return fmt.Errorf("config not initialized")
	}

	options := &clickhouse.Options{
		Addr: strings.Split(conf.Addr, ","),
		Auth: clickhouse.Auth{
			Database: conf.Database,
			Username: conf.User,
			Password: conf.Password,
		},
		DialTimeout: time.Duration(conf.DialTimeout) * time.Second,
	}
	if conf.MaxExecutionTime > 0 {
		options.Settings = clickhouse.Settings{"max_execution_time": conf.MaxExecutionTime}
	}
	if conf.MaxOpenConns > 0 {
		options.MaxOpenConns = conf.MaxOpenConns
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		log.WithError(err).Error("Failed opening clickhouse connection.")
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		log.WithError(err).WithField("addr", conf.Addr).Error("Failed to ping clickhouse.")
		return err
	}

	services.ClickHouse = conn
	log.Info("ClickHouse service initialized.")
	return nil
}

// InitDB Opens the postgres connection used for actions and cohorts.
func InitDB(dbConf DBConf) error {
	if services == nil {
		return fmt.Errorf("config not initialized")
	}

	db, err := gorm.Open("postgres", fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=disable",
		dbConf.Host,
		dbConf.Port,
		dbConf.User,
		dbConf.Name,
		dbConf.Password))
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("Failed Db Initialization")
		return err
	}

	// Connection Pooling and Logging.
	db.DB().SetMaxIdleConns(10)
	db.DB().SetMaxOpenConns(50)
	if IsDevelopment() {
		db.LogMode(true)
	}

	services.Db = db
	log.Info("Db Service initialized")
	return nil
}

// InitRedis Creates the cache redis pool.
func InitRedis(host string, port int) {
	if services == nil {
		log.Error("Config not initialized. Skipping redis.")
		return
	}

	services.CacheRedisPool = &redis.Pool{
		MaxActive:   300,
		MaxIdle:     100,
		IdleTimeout: 240 * time.Second,
		Wait:        false,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	log.Info("Cache redis pool initialized.")
}

func GetCacheRedisConnection() redis.Conn {
	return services.CacheRedisPool.Get()
}

func GetConfig() *Configuration {
	return configuration
}

func GetServices() *Services {
	return services
}

func IsDevelopment() bool {
	return configuration != nil && strings.Compare(configuration.Env, DEVELOPMENT) == 0
}

func GetDenormalizedProperties() []string {
	if configuration == nil {
		return []string{}
	}
	return configuration.DenormalizedProperties
}

// IsFunnelQueryCacheEnabled Cache is used only when redis is initialized
// and the project is allowed by configuration.
func IsFunnelQueryCacheEnabled(projectID int64) bool {
	if services == nil || services.CacheRedisPool == nil {
		return false
	}
	return services.funnelCacheAll || services.funnelCacheProj[projectID]
}

func GetFunnelQueryCacheExpiry() float64 {
	if configuration == nil || configuration.FunnelQueryCacheExpirySecs <= 0 {
		return 30 * 60
	}
	return float64(configuration.FunnelQueryCacheExpirySecs)
}

func GetSlowQueryThreshold() time.Duration {
	if configuration == nil || configuration.SlowQueryThresholdInSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(configuration.SlowQueryThresholdInSeconds) * time.Second
}

// GetProjectsFromListWithAllProjectSupport Parses a comma separated list of
// project ids. '*' enables all projects, disallowed ids win over allowed ones.
func GetProjectsFromListWithAllProjectSupport(projectIDsList, disallowedProjectIDsList string) (bool, map[int64]bool, map[int64]bool) {
	allowed := make(map[int64]bool)
	disallowed := make(map[int64]bool)

	for _, idStr := range strings.Split(disallowedProjectIDsList, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		disallowed[id] = true
	}

	if strings.TrimSpace(projectIDsList) == "*" {
		return true, allowed, disallowed
	}

	for _, idStr := range strings.Split(projectIDsList, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil || id == 0 || disallowed[id] {
			continue
		}
		allowed[id] = true
	}

	return false, allowed, disallowed
}
