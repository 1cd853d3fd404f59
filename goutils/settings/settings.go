package settings

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/swagftw/gi"
)

// DefaultMaxArchiveSize is the aggregate size ceiling of a single archive (1 GiB).
const DefaultMaxArchiveSize int64 = 1 << 30

// DefaultArchiveTimeLimit is the wall-clock budget of an archive in seconds (24 hours).
const DefaultArchiveTimeLimit = 24 * 60 * 60

type (
	StatFailurePolicy string
	StoreKind         string
	Archivable        string
)

const (
	StatFailurePolicyFail    StatFailurePolicy = "fail"
	StatFailurePolicyExclude StatFailurePolicy = "exclude"

	StoreKindRedis  StoreKind = "redis"
	StoreKindMemory StoreKind = "memory"

	ArchivableFull    Archivable = "full"
	ArchivablePartial Archivable = "partial"
	ArchivableNone    Archivable = "none"
)

type (
	RateLimiter struct {
		Burst          int `json:"burst"`
		RequestsPerSec int `json:"req_per_sec"`
	}

	Addon struct {
		FullName   string     `json:"full_name"`
		Archivable Archivable `json:"archivable"`
	}

	Rabbitmq struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Setup    struct {
			Core struct {
				Exchange string `json:"exchange"`
				DLX      string `json:"dlx"`
			} `json:"core"`
			Queues struct {
				Archiver struct {
					QueueName              string `json:"queue_name"`
					RegistrationRoutingKey string `json:"registration_routing_key"`
					SuccessEmailRoutingKey string `json:"success_email_routing_key"`
				} `json:"archiver"`
			} `json:"queues"`
		} `json:"setup"`
	}

	Redis struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Db       int    `json:"db"`
		Password string `json:"password"`
		PoolSize int    `json:"pool_size"`
	}

	WaterButler struct {
		URL            string       `json:"url" validate:"required"`
		Timeout        int          `json:"timeout"`
		CopyRetryMax   int          `json:"copy_retry_max"`
		CallbackSecret string       `json:"callback_secret"`
		ListRateLimit  *RateLimiter `json:"list_rate_limit,omitempty"`
	}

	RegistrationAPI struct {
		URL   string `json:"url" validate:"required"`
		Token string `json:"token"`
	}

	Email struct {
		CustomerIOAPIKey   string `json:"customerio_api_key"`
		SupportAddress     string `json:"support_address" validate:"required"`
		SizeExceededTmpl   string `json:"size_exceeded_tmpl"`
		CopyErrorTmpl      string `json:"copy_error_tmpl"`
		StatErrorTmpl      string `json:"stat_error_tmpl"`
		SuccessTmpl        string `json:"success_tmpl"`
		RegistrationURLFmt string `json:"registration_url_fmt"`
	}

	HTTPClient struct {
		MaxIdleConns        int `json:"max_idle_conns"`
		MaxConnsPerHost     int `json:"max_conns_per_host"`
		MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
		IdleConnTimeout     int `json:"idle_conn_timeout"`
		ConnectionTimeout   int `json:"connection_timeout"`
	}

	Reporting struct {
		SlackWebhookURL string `json:"slack_webhook_url"`
	}

	Healthcheck struct {
		Port     int    `json:"port"`
		Endpoint string `json:"endpoint"`
	}

	StuckSweep struct {
		CronFrequency string `json:"cron_frequency"`
	}
)

type SettingsObj struct {
	InstanceId        string            `json:"instance_id" validate:"required"`
	LocalCachePath    string            `json:"local_cache_path"`
	Concurrency       int               `json:"concurrency" validate:"required"`
	WorkerConcurrency int               `json:"worker_concurrency" validate:"required"`
	RetryCount        int               `json:"retry_count"`
	MaxArchiveSize    int64             `json:"max_archive_size"`
	ArchiveTimeLimit  int               `json:"archive_time_limit"`
	ArchiveProvider   string            `json:"archive_provider"`
	StatFailurePolicy StatFailurePolicy `json:"stat_failure_policy" validate:"omitempty,oneof=fail exclude"`
	Store             StoreKind         `json:"store" validate:"omitempty,oneof=redis memory"`
	Addons            map[string]*Addon `json:"addons"`
	HttpClient        *HTTPClient       `json:"http_client" validate:"required"`
	Rabbitmq          *Rabbitmq         `json:"rabbitmq" validate:"required"`
	Redis             *Redis            `json:"redis" validate:"required"`
	WaterButler       *WaterButler      `json:"waterbutler" validate:"required"`
	RegistrationAPI   *RegistrationAPI  `json:"registration_api" validate:"required"`
	Email             *Email            `json:"email" validate:"required"`
	Reporting         *Reporting        `json:"reporting" validate:"required"`
	Healthcheck       *Healthcheck      `json:"healthcheck" validate:"required"`
	StuckSweep        *StuckSweep       `json:"stuck_sweep"`
}

// ParseSettings parses the settings.json file and returns a SettingsObj
func ParseSettings() *SettingsObj {
	log.Debug("parsing settings")

	dir := strings.TrimSuffix(os.Getenv("CONFIG_PATH"), "/")
	settingsFilePath := dir + "/settings.json"

	log.Info("reading settings:", settingsFilePath)

	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		log.Error("cannot read the file:", err)
		panic(err)
	}

	settingsObj, err := Parse(data)
	if err != nil {
		log.WithError(err).Fatal("invalid settings object")
	}

	log.Infof("final Settings Object being used %+v", settingsObj)

	err = gi.Inject(settingsObj)
	if err != nil {
		log.Fatal("cannot inject the settings object", err)
	}

	return settingsObj
}

// Parse decodes and validates raw settings json and applies defaults.
func Parse(data []byte) (*SettingsObj, error) {
	settingsObj := new(SettingsObj)

	err := json.Unmarshal(data, settingsObj)
	if err != nil {
		log.Error("cannot unmarshal the settings json ", err)

		return nil, err
	}

	err = validator.New().Struct(settingsObj)
	if err != nil {
		return nil, err
	}

	SetDefaults(settingsObj)

	return settingsObj, nil
}

// SetDefaults sets the default values for the settings object
// add default values in this function if required
func SetDefaults(settingsObj *SettingsObj) {
	if settingsObj.Reporting.SlackWebhookURL == "" {
		log.Warning("slack webhook url is not set, issues will not be reported to slack")
	}

	settingsObj.LocalCachePath = strings.TrimSuffix(settingsObj.LocalCachePath, "/")
	settingsObj.WaterButler.URL = strings.TrimSuffix(settingsObj.WaterButler.URL, "/")
	settingsObj.RegistrationAPI.URL = strings.TrimSuffix(settingsObj.RegistrationAPI.URL, "/")

	if settingsObj.MaxArchiveSize <= 0 {
		settingsObj.MaxArchiveSize = DefaultMaxArchiveSize
	}

	if settingsObj.ArchiveTimeLimit <= 0 {
		settingsObj.ArchiveTimeLimit = DefaultArchiveTimeLimit
	}

	if settingsObj.ArchiveProvider == "" {
		settingsObj.ArchiveProvider = "osfstorage"
	}

	if settingsObj.StatFailurePolicy == "" {
		settingsObj.StatFailurePolicy = StatFailurePolicyFail
	}

	if settingsObj.Store == "" {
		settingsObj.Store = StoreKindRedis
	}

	if settingsObj.RetryCount <= 0 {
		settingsObj.RetryCount = 5
	}

	if settingsObj.Addons == nil {
		settingsObj.Addons = make(map[string]*Addon)
	}

	if settingsObj.WaterButler.Timeout <= 0 {
		settingsObj.WaterButler.Timeout = 60
	}

	// for local testing
	if val, err := strconv.ParseBool(os.Getenv("LOCAL_TESTING")); err == nil && val {
		settingsObj.Redis.Host = "localhost"
		settingsObj.Rabbitmq.Host = "localhost"
	}

	if apiKey := os.Getenv("CUSTOMERIO_API_KEY"); apiKey != "" {
		settingsObj.Email.CustomerIOAPIKey = apiKey
	}

	if secret := os.Getenv("WATERBUTLER_CALLBACK_SECRET"); secret != "" {
		settingsObj.WaterButler.CallbackSecret = secret
	}

	if token := os.Getenv("REGISTRATION_API_TOKEN"); token != "" {
		settingsObj.RegistrationAPI.Token = token
	}

	if settingsObj.Healthcheck.Endpoint == "" {
		settingsObj.Healthcheck.Endpoint = "/health"
	}

	if settingsObj.Healthcheck.Port == 0 {
		settingsObj.Healthcheck.Port = 9000
	}

	if settingsObj.StuckSweep == nil {
		settingsObj.StuckSweep = new(StuckSweep)
	}

	if settingsObj.StuckSweep.CronFrequency == "" {
		settingsObj.StuckSweep.CronFrequency = "@every 1h"
	}
}

// AddonFullName returns the display name of an addon, falling back to its short name.
func (s *SettingsObj) AddonFullName(addon string) string {
	if a, ok := s.Addons[addon]; ok && a.FullName != "" {
		return a.FullName
	}

	return addon
}

// IsArchivable reports whether an addon's content is copied into registrations.
// Addons missing from the table are archived in full.
func (s *SettingsObj) IsArchivable(addon string) bool {
	a, ok := s.Addons[addon]
	if !ok {
		return true
	}

	return a.Archivable != ArchivableNone
}
