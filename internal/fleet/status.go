package fleet

import "fmt"

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in scrape_jobs.status. The set is closed.
const (
	// JobPending jobs wait in the backlog for a worker.
	JobPending JobStatus = "pending"
	// JobRunning jobs are bound to exactly one worker.
	JobRunning JobStatus = "running"
	// JobCompleted jobs finished and ingested their businesses.
	JobCompleted JobStatus = "completed"
	// JobFailed jobs were reported as failed by their worker.
	JobFailed JobStatus = "failed"
)

// ParseJobStatus converts s into a JobStatus, rejecting unknown values.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, s)
	}
	return status, nil
}

// Valid reports whether s is a member of the closed job status set.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further lifecycle transition is permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed:
		return true
	case JobPending, JobRunning:
		return false
	default:
		return false
	}
}

// AdminStatus is the worker status declared through heartbeats.
type AdminStatus string

// Admin status values persisted in admins.status.
const (
	AdminActive   AdminStatus = "active"
	AdminBusy     AdminStatus = "busy"
	AdminInactive AdminStatus = "inactive"
)

// ParseAdminStatus converts s into an AdminStatus, rejecting unknown values.
func ParseAdminStatus(s string) (AdminStatus, error) {
	status := AdminStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown admin status %q", ErrValidation, s)
	}
	return status, nil
}

// Valid reports whether s is a member of the closed admin status set.
func (s AdminStatus) Valid() bool {
	switch s {
	case AdminActive, AdminBusy, AdminInactive:
		return true
	default:
		return false
	}
}

// Assignable reports whether a worker in this status may receive new jobs.
// Busy workers are treated like inactive ones.
func (s AdminStatus) Assignable() bool {
	switch s {
	case AdminActive:
		return true
	case AdminBusy, AdminInactive:
		return false
	default:
		return false
	}
}

// BusinessStatus is the downstream sales-pipeline state of a business. It is
// unrelated to the job lifecycle.
type BusinessStatus string

// Business status values persisted in businesses.status.
const (
	BusinessNew        BusinessStatus = "new"
	BusinessContacted  BusinessStatus = "contacted"
	BusinessInterested BusinessStatus = "interested"
	BusinessQualified  BusinessStatus = "qualified"
	BusinessClosed     BusinessStatus = "closed"
	BusinessRejected   BusinessStatus = "rejected"
)

// ParseBusinessStatus converts s into a BusinessStatus.
func ParseBusinessStatus(s string) (BusinessStatus, error) {
	status := BusinessStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown business status %q", ErrValidation, s)
	}
	return status, nil
}

// Valid reports whether s is a member of the closed business status set.
func (s BusinessStatus) Valid() bool {
	switch s {
	case BusinessNew, BusinessContacted, BusinessInterested, BusinessQualified, BusinessClosed, BusinessRejected:
		return true
	default:
		return false
	}
}
