package redisutils

import (
	"context"
	"net"
	"strconv"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/settings"
)

// InitRedisClient connects to redis and fails hard when the server cannot be reached.
func InitRedisClient(config *settings.Redis) *redis.Client {
	redisURL := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	log.Info("connecting to redis at:", redisURL)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: config.Password,
		DB:       config.Db,
		PoolSize: config.PoolSize,
	})

	pong, err := redisClient.Ping(context.Background()).Result()
	if err != nil {
		log.WithError(err).WithField("addr", redisURL).Fatal("unable to connect to redis")
	}

	log.Info("connected successfully to redis and received ", pong, " back")

	return redisClient
}
