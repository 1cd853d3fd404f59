package caching

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/redisutils"
)

// createJobScript starts a job unless one is already archiving.
// KEYS: job, targets, active. ARGV: meta, startedAt, dst, then name/target pairs.
var createJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'archiving') == '1' then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], 'meta', ARGV[1], 'archiving', '1', 'outcome', '', 'deleted', '0', 'doneAt', '0')
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 1
`)

// updateTargetScript writes one target unless its stored status is terminal.
// KEYS: targets. ARGV: name, target.
var updateTargetScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current then
	local status = cjson.decode(current)['status']
	if status == 'SUCCESS' or status == 'FAILURE' then
		return 0
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// finishJobScript flips archiving off once every target is terminal.
// KEYS: job, targets, active. ARGV: doneAt, dst.
var finishJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'archiving') ~= '1' then
	return ''
end
local failed = false
for _, raw in ipairs(redis.call('HVALS', KEYS[2])) do
	local status = cjson.decode(raw)['status']
	if status == 'FAILURE' then
		failed = true
	elseif status ~= 'SUCCESS' then
		return ''
	end
end
local outcome = 'SUCCESS'
if failed then
	outcome = 'COPY_ERROR'
end
redis.call('HSET', KEYS[1], 'archiving', '0', 'outcome', outcome, 'doneAt', ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[2])
return outcome
`)

// abortJobScript flips archiving off with a forced outcome.
// KEYS: job, active. ARGV: outcome, doneAt, dst.
var abortJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'archiving') ~= '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'archiving', '0', 'outcome', ARGV[1], 'doneAt', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

type RedisCache struct {
	redisClient *redis.Client
}

var _ DbCache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{redisClient: client}
}

func (r *RedisCache) CreateArchiveJob(ctx context.Context, job *datamodel.ArchiveJob, addons []string) error {
	l := log.WithField("dstNodeID", job.DstNodeID)

	meta, err := json.Marshal(job)
	if err != nil {
		return err
	}

	args := []interface{}{string(meta), job.StartedAt, job.DstNodeID}

	for _, addon := range addons {
		target, err := json.Marshal(&datamodel.ArchiveTarget{
			Name:      addon,
			Status:    datamodel.ArchiveStatusPending,
			UpdatedAt: job.StartedAt,
		})
		if err != nil {
			return err
		}

		args = append(args, addon, string(target))
	}

	keys := []string{
		redisutils.ArchiveJobKey(job.DstNodeID),
		redisutils.ArchiveTargetsKey(job.DstNodeID),
		redisutils.REDIS_KEY_ACTIVE_ARCHIVE_JOBS,
	}

	created, err := createJobScript.Run(ctx, r.redisClient, keys, args...).Int()
	if err != nil {
		l.WithError(err).Error("failed to create archive job in redis")

		return err
	}

	if created == 0 {
		return ErrJobExists
	}

	l.WithField("addons", addons).Debug("created archive job in redis")

	return nil
}

func (r *RedisCache) GetArchiveJob(ctx context.Context, dstNodeID string) (*datamodel.ArchiveJob, error) {
	key := redisutils.ArchiveJobKey(dstNodeID)

	val, err := r.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}

		log.WithError(err).WithField("key", key).Error("failed to get archive job from redis")

		return nil, err
	}

	if len(val) == 0 {
		return nil, ErrJobNotFound
	}

	job := new(datamodel.ArchiveJob)

	if err = json.Unmarshal([]byte(val["meta"]), job); err != nil {
		log.WithError(err).WithField("key", key).Error("failed to unmarshal archive job")

		return nil, err
	}

	job.Archiving = val["archiving"] == "1"
	job.Outcome = datamodel.Outcome(val["outcome"])
	job.Deleted = val["deleted"] == "1"
	job.DoneAt, _ = strconv.ParseInt(val["doneAt"], 10, 64)

	return job, nil
}

func (r *RedisCache) GetArchiveTargets(ctx context.Context, dstNodeID string) (map[string]*datamodel.ArchiveTarget, error) {
	key := redisutils.ArchiveTargetsKey(dstNodeID)

	val, err := r.redisClient.HGetAll(ctx, key).Result()
	if err != nil && err != redis.Nil {
		log.WithError(err).WithField("key", key).Error("failed to get archive targets from redis")

		return nil, err
	}

	targets := make(map[string]*datamodel.ArchiveTarget, len(val))

	for name, raw := range val {
		target := new(datamodel.ArchiveTarget)

		if err = json.Unmarshal([]byte(raw), target); err != nil {
			log.WithError(err).WithField("addon", name).Error("failed to unmarshal archive target, skipping")

			continue
		}

		targets[name] = target
	}

	return targets, nil
}

func (r *RedisCache) UpdateArchiveTarget(ctx context.Context, dstNodeID string, target *datamodel.ArchiveTarget) (bool, error) {
	data, err := json.Marshal(target)
	if err != nil {
		return false, err
	}

	updated, err := updateTargetScript.Run(ctx, r.redisClient, []string{redisutils.ArchiveTargetsKey(dstNodeID)}, target.Name, string(data)).Int()
	if err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).WithField("addon", target.Name).Error("failed to update archive target in redis")

		return false, err
	}

	return updated == 1, nil
}

func (r *RedisCache) FinishArchiveJob(ctx context.Context, dstNodeID string, doneAt int64) (datamodel.Outcome, error) {
	keys := []string{
		redisutils.ArchiveJobKey(dstNodeID),
		redisutils.ArchiveTargetsKey(dstNodeID),
		redisutils.REDIS_KEY_ACTIVE_ARCHIVE_JOBS,
	}

	outcome, err := finishJobScript.Run(ctx, r.redisClient, keys, doneAt, dstNodeID).Text()
	if err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to finish archive job in redis")

		return datamodel.OutcomeInProgress, err
	}

	return datamodel.Outcome(outcome), nil
}

func (r *RedisCache) AbortArchiveJob(ctx context.Context, dstNodeID string, outcome datamodel.Outcome, doneAt int64) (bool, error) {
	keys := []string{
		redisutils.ArchiveJobKey(dstNodeID),
		redisutils.REDIS_KEY_ACTIVE_ARCHIVE_JOBS,
	}

	aborted, err := abortJobScript.Run(ctx, r.redisClient, keys, string(outcome), doneAt, dstNodeID).Int()
	if err != nil {
		log.WithError(err).WithField("dstNodeID", dstNodeID).Error("failed to abort archive job in redis")

		return false, err
	}

	return aborted == 1, nil
}

func (r *RedisCache) MarkArchiveJobDeleted(ctx context.Context, dstNodeID string) error {
	return r.redisClient.HSet(ctx, redisutils.ArchiveJobKey(dstNodeID), "deleted", "1").Err()
}

func (r *RedisCache) GetActiveArchiveJobs(ctx context.Context, startedBefore int64) ([]string, error) {
	val, err := r.redisClient.ZRangeByScore(ctx, redisutils.REDIS_KEY_ACTIVE_ARCHIVE_JOBS, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(startedBefore, 10),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return []string{}, nil
		}

		log.WithError(err).Error("failed to get active archive jobs from redis")

		return nil, err
	}

	return val, nil
}
