package domain

// EventType is the closed set of events the orchestration core publishes.
type EventType string

const (
	EventJobCreated         EventType = "job_created"
	EventJobQueued          EventType = "job_queued"
	EventJobStarted         EventType = "job_started"
	EventJobProgress        EventType = "job_progress"
	EventJobRetry           EventType = "job_retry"
	EventJobCompleted       EventType = "job_completed"
	EventJobFailed          EventType = "job_failed"
	EventJobCancelled       EventType = "job_cancelled"
	EventJobTimeout         EventType = "job_timeout"
	EventJobStale           EventType = "job_stale"
	EventNotificationFailed EventType = "notification_failed"
	EventHealthChanged      EventType = "health_changed"
)

// AllEventTypes lists every EventType in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventJobCreated,
		EventJobQueued,
		EventJobStarted,
		EventJobProgress,
		EventJobRetry,
		EventJobCompleted,
		EventJobFailed,
		EventJobCancelled,
		EventJobTimeout,
		EventJobStale,
		EventNotificationFailed,
		EventHealthChanged,
	}
}

// Valid reports whether t belongs to the closed set.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// EventForStatus maps a status reached through an explicit update onto the
// event announcing it.
func EventForStatus(status JobStatus) EventType {
	switch status {
	case JobStatusQueued:
		return EventJobQueued
	case JobStatusProcessing:
		return EventJobStarted
	case JobStatusCompleted:
		return EventJobCompleted
	case JobStatusFailed:
		return EventJobFailed
	case JobStatusCancelled:
		return EventJobCancelled
	default:
		return EventJobProgress
	}
}
