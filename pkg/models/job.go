package models

import "time"

// JobStatus is the coarse status of a harvest job
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the job will not change again
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Stage is the pipeline stage a job is in or last finished
type Stage string

const (
	StageAwaitingLogin Stage = "awaiting_login"
	StageDownload      Stage = "download"
	StageGate          Stage = "gate"
	StageExtraction    Stage = "extraction"
	StageAggregation   Stage = "aggregation"
	StageDone          Stage = "done"
)

// Job is the persisted metadata of one harvest run
type Job struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"sessionId,omitempty"`
	Subject         string              `json:"subject"`
	Query           Query               `json:"query"`
	Status          JobStatus           `json:"status"`
	Stage           Stage               `json:"stage"`
	Progress        int                 `json:"progress"`
	ErrorKind       string              `json:"errorKind,omitempty"`
	Error           string              `json:"error,omitempty"`
	Completeness    *CompletenessReport `json:"completeness,omitempty"`
	RecordsAccepted int                 `json:"recordsAccepted"`
	RecordsRejected int                 `json:"recordsRejected"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	FinishedAt      *time.Time          `json:"finishedAt,omitempty"`
}
