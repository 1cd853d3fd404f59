package main

import (
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/swagftw/gi"

	"osf-archiver/caching"
	"osf-archiver/goutils/health"
	"osf-archiver/goutils/logger"
	"osf-archiver/goutils/mailer"
	"osf-archiver/goutils/nodeapi"
	"osf-archiver/goutils/redisutils"
	"osf-archiver/goutils/reporting"
	"osf-archiver/goutils/settings"
	rabbitmq "osf-archiver/goutils/taskmgr/rabbitmq"
	"osf-archiver/goutils/waterbutler"
)

var (
	configDir string

	settingsObj *settings.SettingsObj
	redisClient *redis.Client
	memoryCache *caching.MemoryCache
	archiveDB   caching.DbCache
	taskMgr     *rabbitmq.RabbitmqTaskMgr
	reporter    *reporting.IssueReporter
	checks      map[string]health.Check
)

// initializeComponents builds every component the commands need and injects it for InitArchiverService.
func initializeComponents() error {
	checks = make(map[string]health.Check)

	switch settingsObj.Store {
	case settings.StoreKindMemory:
		memoryCache = caching.NewMemoryCache()
		archiveDB = memoryCache

		if err := gi.Inject(memoryCache); err != nil {
			return fmt.Errorf("failed to inject memory cache: %w", err)
		}
	default:
		redisClient = redisutils.InitRedisClient(settingsObj.Redis)
		redisCache := caching.NewRedisCache(redisClient)
		archiveDB = redisCache
		checks["redis"] = health.RedisCheck(redisClient)

		if err := gi.Inject(redisCache); err != nil {
			return fmt.Errorf("failed to inject redis cache: %w", err)
		}
	}

	reporter = reporting.InitIssueReporter(settingsObj)
	taskMgr = rabbitmq.NewRabbitmqTaskMgr(settingsObj)

	if err := gi.Inject(caching.InitDiskCache()); err != nil {
		return fmt.Errorf("failed to inject disk cache: %w", err)
	}

	if err := gi.Inject(waterbutler.InitWaterButler(settingsObj)); err != nil {
		return fmt.Errorf("failed to inject waterbutler client: %w", err)
	}

	if err := gi.Inject(mailer.InitMailer(settingsObj)); err != nil {
		return fmt.Errorf("failed to inject mailer: %w", err)
	}

	if err := gi.Inject(nodeapi.InitRegistrationAPI(settingsObj)); err != nil {
		return fmt.Errorf("failed to inject registration api: %w", err)
	}

	if err := gi.Inject(reporter); err != nil {
		return fmt.Errorf("failed to inject issue reporter: %w", err)
	}

	if err := gi.Inject(taskMgr); err != nil {
		return fmt.Errorf("failed to inject task manager: %w", err)
	}

	log.Info("components initialized successfully")

	return nil
}

func closeComponents() {
	if memoryCache != nil {
		memoryCache.Close()
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Error("error while closing redis client")
		}
	}
}

// NewRootCmd creates the archiver command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Copies the addon files of a registered node into its registration",
		Example: `  archiver serve
  archiver enqueue --src abc12 --dst xyz34 --initiator u1 --email user@example.com --addons dropbox,github
  archiver status --dst xyz34
  archiver stuck`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger()

			if configDir != "" {
				if err := os.Setenv("CONFIG_PATH", configDir); err != nil {
					return err
				}
			}

			settingsObj = settings.ParseSettings()

			if err := initializeComponents(); err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory holding settings.json (defaults to $CONFIG_PATH)")

	cmd.AddCommand(
		newServeCmd(),
		newEnqueueCmd(),
		newStatusCmd(),
		newStuckCmd(),
	)

	return cmd
}
