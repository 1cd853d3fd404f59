package datamodel

import (
	"time"
)

type ArchiveStatus string

const (
	ArchiveStatusPending  ArchiveStatus = "PENDING"
	ArchiveStatusChecking ArchiveStatus = "CHECKING"
	ArchiveStatusSending  ArchiveStatus = "SENDING"
	ArchiveStatusSent     ArchiveStatus = "SENT"
	ArchiveStatusSuccess  ArchiveStatus = "SUCCESS"
	ArchiveStatusFailure  ArchiveStatus = "FAILURE"
)

// IsTerminal reports whether no further transition is expected for the status.
func (s ArchiveStatus) IsTerminal() bool {
	return s == ArchiveStatusSuccess || s == ArchiveStatusFailure
}

type Outcome string

const (
	OutcomeInProgress   Outcome = ""
	OutcomeSuccess      Outcome = "SUCCESS"
	OutcomeCopyError    Outcome = "COPY_ERROR"
	OutcomeSizeExceeded Outcome = "SIZE_EXCEEDED"
	OutcomeStatError    Outcome = "STAT_ERROR"
)

// ArchiveTarget is the status record of one addon on the destination node.
type ArchiveTarget struct {
	Name      string                 `json:"name"`
	Status    ArchiveStatus          `json:"status"`
	Errors    []string               `json:"errors,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	UpdatedAt int64                  `json:"updatedAt"`
}

// ArchiveJob is the archiving state of a destination (registration) node.
type ArchiveJob struct {
	SrcNodeID      string  `json:"srcNodeId"`
	DstNodeID      string  `json:"dstNodeId"`
	InitiatorID    string  `json:"initiatorId"`
	InitiatorEmail string  `json:"initiatorEmail"`
	InitiatorName  string  `json:"initiatorName"`
	TaskID         string  `json:"taskId"`
	Archiving      bool    `json:"archiving"`
	Outcome        Outcome `json:"outcome"`
	Deleted        bool    `json:"deleted"`
	StartedAt      int64   `json:"startedAt"`
	DoneAt         int64   `json:"doneAt,omitempty"`
}

// Elapsed returns how long the job has been (or was) running.
func (j *ArchiveJob) Elapsed(now time.Time) time.Duration {
	end := now
	if j.DoneAt != 0 {
		end = time.UnixMilli(j.DoneAt)
	}

	return end.Sub(time.UnixMilli(j.StartedAt))
}

// JobReport is the snapshot of a finished job kept for operators.
type JobReport struct {
	Job     *ArchiveJob               `json:"job"`
	Targets map[string]*ArchiveTarget `json:"targets"`
	Stat    Stat                      `json:"stat,omitempty"`
}

// RegistrationCreatedMessage is published when a registration is created from a node.
type RegistrationCreatedMessage struct {
	SrcNodeID      string   `json:"srcNodeId" validate:"required"`
	DstNodeID      string   `json:"dstNodeId" validate:"required"`
	InitiatorID    string   `json:"initiatorId" validate:"required"`
	InitiatorEmail string   `json:"initiatorEmail" validate:"required,email"`
	InitiatorName  string   `json:"initiatorName"`
	Cookie         string   `json:"cookie"`
	Addons         []string `json:"addons"`
}

// SuccessEmailMessage asks a worker to send the archive success email.
type SuccessEmailMessage struct {
	DstNodeID string `json:"dstNodeId"`
}

// WaterButlerCallback is posted by WaterButler when an accepted (202) copy finishes.
type WaterButlerCallback struct {
	Action string   `json:"action"`
	Errors []string `json:"errors"`
}

type CopyLocation struct {
	Cookie   string `json:"cookie"`
	NodeID   string `json:"nid"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
}

// CopyRequest is the body of a WaterButler /ops/copy request.
type CopyRequest struct {
	Source      CopyLocation `json:"source"`
	Destination CopyLocation `json:"destination"`
	Rename      string       `json:"rename"`
}

// FileMetadata is an entry of an addon file tree as returned by WaterButler.
type FileMetadata struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Size     float64         `json:"size"`
	Children []*FileMetadata `json:"children,omitempty"`
}

const (
	FileKindFile   = "file"
	FileKindFolder = "folder"
)

type IssueType string

const (
	IssueSizeExceeded IssueType = "ARCHIVE_SIZE_EXCEEDED"
	IssueCopyError    IssueType = "ARCHIVE_COPY_ERROR"
	IssueStatError    IssueType = "ARCHIVE_STAT_ERROR"
	IssueStuckArchive IssueType = "ARCHIVE_STUCK"
	IssueInternal     IssueType = "ARCHIVER_INTERNAL_ISSUE"
)

// ArchiverIssue is the payload sent to the operations channel.
type ArchiverIssue struct {
	InstanceID      string `json:"instanceID"`
	IssueType       string `json:"issueType"`
	DstNodeID       string `json:"dstNodeID"`
	TimeOfReporting string `json:"timeOfReporting"`
	Extra           string `json:"extra"`
}
