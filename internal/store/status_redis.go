package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/docdispatch/internal/job"
)

// JobState is the stored lifecycle record of a job.
type JobState struct {
	Status    job.Status `json:"status"`
	Class     job.Class  `json:"job_type"`
	UserID    string     `json:"user_id"`
	FileName  string     `json:"file_name"`
	Message   string     `json:"message,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StatusStore keeps one Redis hash per job, expiring a day after the
// last write. Completion history is not persisted beyond that.
type StatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client, ttl: 24 * time.Hour}
}

func (s *StatusStore) key(jobID string) string { return fmt.Sprintf("job:%s:status", jobID) }

// Set writes the full state for a job.
func (s *StatusStore) Set(ctx context.Context, jobID string, st JobState) error {
	m := map[string]interface{}{
		"status":    string(st.Status),
		"job_type":  string(st.Class),
		"user_id":   st.UserID,
		"file_name": st.FileName,
		"message":   st.Message,
	}
	if st.CreatedAt != nil {
		m["created_at"] = st.CreatedAt.Format(time.RFC3339Nano)
	}
	if st.StartedAt != nil {
		m["started_at"] = st.StartedAt.Format(time.RFC3339Nano)
	}
	if st.EndedAt != nil {
		m["ended_at"] = st.EndedAt.Format(time.RFC3339Nano)
	}
	k := s.key(jobID)
	if err := s.client.HSet(ctx, k, m).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, k, s.ttl).Err()
}

// Transition updates only the status, message and the matching
// timestamp.
func (s *StatusStore) Transition(ctx context.Context, jobID string, status job.Status, message string) error {
	now := time.Now()
	m := map[string]interface{}{
		"status":  string(status),
		"message": message,
	}
	switch status {
	case job.StatusRunning:
		m["started_at"] = now.Format(time.RFC3339Nano)
	case job.StatusFinished, job.StatusFailed:
		m["ended_at"] = now.Format(time.RFC3339Nano)
	}
	k := s.key(jobID)
	if err := s.client.HSet(ctx, k, m).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, k, s.ttl).Err()
}

// Get loads a job's state; found=false when the job is unknown or
// expired.
func (s *StatusStore) Get(ctx context.Context, jobID string) (JobState, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return JobState{}, false, err
	}
	if len(res) == 0 {
		return JobState{}, false, nil
	}
	st := JobState{
		Status:   job.Status(res["status"]),
		Class:    job.Class(res["job_type"]),
		UserID:   res["user_id"],
		FileName: res["file_name"],
		Message:  res["message"],
	}
	st.CreatedAt = parseTime(res["created_at"])
	st.StartedAt = parseTime(res["started_at"])
	st.EndedAt = parseTime(res["ended_at"])
	return st, true, nil
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return &t
	}
	return nil
}
