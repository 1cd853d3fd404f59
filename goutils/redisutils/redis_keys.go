package redisutils

import "fmt"

const (
	REDIS_KEY_ARCHIVE_JOB         string = "archiver:node:%s:job"
	REDIS_KEY_ARCHIVE_TARGETS     string = "archiver:node:%s:targets"
	REDIS_KEY_ACTIVE_ARCHIVE_JOBS string = "archiver:activeJobs"
)

func ArchiveJobKey(dstNodeID string) string {
	return fmt.Sprintf(REDIS_KEY_ARCHIVE_JOB, dstNodeID)
}

func ArchiveTargetsKey(dstNodeID string) string {
	return fmt.Sprintf(REDIS_KEY_ARCHIVE_TARGETS, dstNodeID)
}
