package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/job"
	"github.com/local/docdispatch/internal/metrics"
)

// Conn is a live push channel to one client.
type Conn interface {
	WriteText(deadline time.Time, data []byte) error
	Close() error
}

// PushMessage is the client-facing status message shape.
type PushMessage struct {
	JobID    string    `json:"job_id"`
	FileName string    `json:"file_name"`
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	Stage    int       `json:"stage"`
	JobType  job.Class `json:"job_type"`
	Result   string    `json:"result"`
}

// Stage derives the client-facing stage code from (class, success).
func Stage(class job.Class, success bool) int {
	switch class {
	case job.ClassExtract:
		if success {
			return 3
		}
		return 2
	case job.ClassFormat:
		if success {
			return 5
		}
		return 4
	}
	return 0
}

// Registry maps user ids to their single live connection. A reconnect
// replaces the previous connection; it is never merged.
type Registry struct {
	mu          sync.Mutex
	conns       map[string]Conn
	pushTimeout time.Duration
}

func NewRegistry(pushTimeout time.Duration) *Registry {
	if pushTimeout <= 0 {
		pushTimeout = 5 * time.Second
	}
	return &Registry{conns: make(map[string]Conn), pushTimeout: pushTimeout}
}

// Register installs the user's connection, closing any previous one.
func (r *Registry) Register(userID string, c Conn) {
	r.mu.Lock()
	old := r.conns[userID]
	r.conns[userID] = c
	n := len(r.conns)
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	} else {
		metrics.ConnAdded()
	}
	log.Info().Str("user_id", userID).Int("total", n).Msg("client connected")
}

// Unregister removes the user's connection only if it is still the
// given one, so a stale disconnect cannot evict a replacement.
func (r *Registry) Unregister(userID string, c Conn) {
	r.mu.Lock()
	cur, ok := r.conns[userID]
	if ok && cur == c {
		delete(r.conns, userID)
	} else {
		ok = false
	}
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		metrics.ConnRemoved()
		log.Info().Str("user_id", userID).Int("total", n).Msg("client disconnected")
	}
}

// Push sends raw bytes to the user's connection, best effort. Returns
// false when the user has no live connection or the write failed.
func (r *Registry) Push(userID string, data []byte) bool {
	r.mu.Lock()
	c, ok := r.conns[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := c.WriteText(time.Now().Add(r.pushTimeout), data); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("push failed")
		r.Unregister(userID, c)
		_ = c.Close()
		return false
	}
	return true
}

// HandleCompletion turns a completion event into a client push for its
// originating user. Events for users with no live connection are
// dropped; completion events are never queued for later delivery.
// The send is fired on its own goroutine so one slow connection cannot
// delay delivery to others.
func (r *Registry) HandleCompletion(ev job.CompletionEvent) {
	status := "finished"
	if !ev.Success {
		status = "failed"
	}
	msg := PushMessage{
		JobID:    ev.JobID,
		FileName: ev.FileName,
		UserID:   ev.UserID,
		Status:   status,
		Stage:    Stage(ev.JobType, ev.Success),
		JobType:  ev.JobType,
		Result:   ev.Result,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("job_id", ev.JobID).Msg("marshal push message")
		return
	}
	go func() {
		if r.Push(ev.UserID, data) {
			metrics.EventDelivered()
		} else {
			metrics.EventDropped()
			log.Debug().Str("user_id", ev.UserID).Str("job_id", ev.JobID).
				Msg("no live connection, completion dropped")
		}
	}()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
