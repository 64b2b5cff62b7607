package domain

import "strings"

// JobStatus is the coarse state of a dubbing job.
type JobStatus string

const (
	StatusStarted    JobStatus = "started"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

var jobStatusLabels = map[JobStatus]string{
	StatusStarted:    "Started",
	StatusProcessing: "Processing",
	StatusCompleted:  "Completed",
	StatusError:      "Failed",
}

// JobStatusLabel returns a human-readable label for a job status.
func JobStatusLabel(status JobStatus) string {
	if label, ok := jobStatusLabels[status]; ok {
		return label
	}

	return "Unknown"
}

// ParseJobStatus returns the status for a given name (case-insensitive).
func ParseJobStatus(name string) (JobStatus, bool) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(name)))
	_, ok := jobStatusLabels[status]

	return status, ok
}

// Terminal reports whether no further progress will be made.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}
