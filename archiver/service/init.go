package service

import (
	log "github.com/sirupsen/logrus"
	"github.com/swagftw/gi"

	"osf-archiver/archiver/events"
	"osf-archiver/caching"
	"osf-archiver/goutils/mailer"
	"osf-archiver/goutils/nodeapi"
	"osf-archiver/goutils/reporting"
	"osf-archiver/goutils/settings"
	rabbitmq "osf-archiver/goutils/taskmgr/rabbitmq"
	"osf-archiver/goutils/waterbutler"
)

// InitArchiverService builds the service from the injected components.
func InitArchiverService() *ArchiverService {
	settingsObj, err := gi.Invoke[*settings.SettingsObj]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke settings object")
	}

	var cache caching.DbCache

	if settingsObj.Store == settings.StoreKindMemory {
		cache, err = gi.Invoke[*caching.MemoryCache]()
	} else {
		cache, err = gi.Invoke[*caching.RedisCache]()
	}

	if err != nil {
		log.WithError(err).Fatal("failed to invoke archive store")
	}

	diskCache, err := gi.Invoke[*caching.LocalDiskCache]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke disk cache")
	}

	wb, err := gi.Invoke[*waterbutler.WaterButler]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke waterbutler client")
	}

	mailClient, err := gi.Invoke[*mailer.Mailer]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke mailer")
	}

	registrationAPI, err := gi.Invoke[*nodeapi.RegistrationAPI]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke registration api")
	}

	reporter, err := gi.Invoke[*reporting.IssueReporter]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke issue reporter")
	}

	taskMgr, err := gi.Invoke[*rabbitmq.RabbitmqTaskMgr]()
	if err != nil {
		log.WithError(err).Fatal("failed to invoke task manager")
	}

	archiverService := NewArchiverService(&Dependencies{
		Settings:    settingsObj,
		Cache:       cache,
		DiskCache:   diskCache,
		WaterButler: wb,
		Mailer:      mailClient,
		NodeAPI:     registrationAPI,
		Reporter:    reporter,
		TaskMgr:     taskMgr,
		Bus:         events.NewBus(),
	})

	if err = gi.Inject(archiverService); err != nil {
		log.WithError(err).Fatal("failed to inject archiver service")
	}

	return archiverService
}
