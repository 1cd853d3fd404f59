package worker

type Worker interface {
	ConsumeTask() error
}

type Type string

const (
	TypeArchiverWorker Type = "archiver-worker"
)
