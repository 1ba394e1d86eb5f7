package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is used when a job is created without an explicit attempt budget
const DefaultMaxAttempts = 3

// Job is one queued unit of work, dispatched by Type
type Job struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Payload     map[string]interface{} `json:"payload"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	LastError   string                 `json:"last_error,omitempty"`
}

// NewJob creates a new job
func NewJob(jobType string, payload map[string]interface{}) *Job {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// WithMaxAttempts sets the retry budget
func (j *Job) WithMaxAttempts(maxAttempts int) *Job {
	j.MaxAttempts = maxAttempts
	return j
}

// CanRetry reports whether another attempt is allowed
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// String returns the payload value as a string
func (j *Job) String(key string) (string, error) {
	raw, ok := j.Payload[key]
	if !ok {
		return "", fmt.Errorf("payload field %q is missing", key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("payload field %q is %T, want string", key, raw)
	}
	return value, nil
}

// Bool returns the payload value as a bool, false when absent
func (j *Job) Bool(key string) bool {
	value, _ := j.Payload[key].(bool)
	return value
}

// UUID parses the payload value as a UUID
func (j *Job) UUID(key string) (uuid.UUID, error) {
	raw, err := j.String(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload field %q: %w", key, err)
	}
	return id, nil
}

// ToJSON converts the job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON creates a job from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	if job.Payload == nil {
		job.Payload = map[string]interface{}{}
	}
	return &job, nil
}

// Stats is a point-in-time view of queue depth
type Stats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"dead_letter"`
}
