package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/ai"
	"github.com/local/docdispatch/internal/filetype"
	"github.com/local/docdispatch/internal/job"
	"github.com/local/docdispatch/internal/metrics"
	"github.com/local/docdispatch/internal/prompts"
	"github.com/local/docdispatch/internal/render"
)

// Unreadable is the per-page placeholder used when extraction gives up
// on a page. Any page carrying it marks the whole job failed.
const Unreadable = "[UNREADABLE OR API FAILURE]"

// Queue is the broker side the router consumes from.
type Queue interface {
	Dequeue(ctx context.Context, class job.Class, consumer string, timeout time.Duration) (string, []byte, error)
	Ack(ctx context.Context, class job.Class, msgID string) error
	AddDLQ(ctx context.Context, class job.Class, payload []byte, reason string) error
	IsDone(ctx context.Context, jobID string) (bool, error)
	MarkDone(ctx context.Context, jobID string) error
}

// Broadcaster publishes the terminal outcome of every job.
type Broadcaster interface {
	Publish(ctx context.Context, ev job.CompletionEvent) error
}

// Statuses records job lifecycle transitions.
type Statuses interface {
	Transition(ctx context.Context, jobID string, status job.Status, message string) error
}

// Caller runs one prompt through the class's executor.
type Caller interface {
	Call(ctx context.Context, jobID string, parts []ai.Part, maxRetries int) (string, error)
}

// Renderer turns PDF bytes into ordered page images.
type Renderer interface {
	Render(pdf []byte) ([]render.PageImage, error)
}

// Archiver persists finished extraction results; may be absent.
type Archiver interface {
	Save(ctx context.Context, jobID, fileName, text string) error
}

// Config tunes the router.
type Config struct {
	Workers           int
	ExtractMaxRetries int
	FormatMaxRetries  int
	PacingMin         time.Duration
	PacingMax         time.Duration
}

// Router pulls jobs from the class queues, routes each to its class's
// (pool, gate) pair via the per-class executor, and guarantees exactly
// one completion event per job.
type Router struct {
	cfg      Config
	q        Queue
	execs    map[job.Class]Caller
	rend     Renderer
	bc       Broadcaster
	statuses Statuses
	arch     Archiver

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, q Queue, execs map[job.Class]Caller, rend Renderer, bc Broadcaster, statuses Statuses, arch Archiver) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.ExtractMaxRetries <= 0 {
		cfg.ExtractMaxRetries = 6
	}
	if cfg.FormatMaxRetries <= 0 {
		cfg.FormatMaxRetries = 4
	}
	return &Router{
		cfg:      cfg,
		q:        q,
		execs:    execs,
		rend:     rend,
		bc:       bc,
		statuses: statuses,
		arch:     arch,
		stop:     make(chan struct{}),
	}
}

// Start launches the dequeue loops: cfg.Workers consumers per class.
func (r *Router) Start() {
	for class := range r.execs {
		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go r.loop(class, i)
		}
	}
}

// Stop signals the loops and waits for in-flight jobs to finish.
func (r *Router) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Router) loop(class job.Class, id int) {
	defer r.wg.Done()
	consumer := fmt.Sprintf("%s-%d", class, id)
	log.Info().Str("class", string(class)).Int("worker", id).Msg("router worker started")
	for {
		select {
		case <-r.stop:
			log.Info().Str("class", string(class)).Int("worker", id).Msg("router worker stopped")
			return
		default:
		}

		msgID, data, err := r.q.Dequeue(context.Background(), class, consumer, 2*time.Second)
		if err != nil {
			log.Error().Err(err).Str("class", string(class)).Msg("queue dequeue error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if data == nil {
			continue
		}
		r.ProcessMessage(context.Background(), class, msgID, data)
	}
}

// ProcessMessage handles one delivered message: decode, idempotency
// check, execute, ack. The broker redelivers unacked messages, so a
// job already marked done is acked and skipped rather than completed
// twice.
func (r *Router) ProcessMessage(ctx context.Context, class job.Class, msgID string, data []byte) {
	defer func() {
		if err := r.q.Ack(ctx, class, msgID); err != nil {
			log.Error().Err(err).Str("class", string(class)).Str("msg_id", msgID).Msg("ack failed")
		}
	}()

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		log.Error().Err(err).Str("class", string(class)).Msg("malformed job payload, dead-lettering")
		_ = r.q.AddDLQ(ctx, class, data, "malformed payload")
		return
	}
	if j.Class == "" {
		j.Class = class
	}

	if done, err := r.q.IsDone(ctx, j.ID); err == nil && done {
		log.Warn().Str("job_id", j.ID).Msg("job already completed, skipping redelivery")
		return
	}

	r.Execute(ctx, j, data)
}

// Execute drives one job to its terminal state. The completion event
// is published from a deferred block so even a panicking handler still
// produces a Failed event with the fault as its result; no job may
// vanish silently.
func (r *Router) Execute(ctx context.Context, j job.Job, raw []byte) {
	var (
		result  string
		success bool
	)

	if err := r.statuses.Transition(ctx, j.ID, job.StatusRunning, "processing"); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("status transition failed")
	}
	log.Info().Str("job_id", j.ID).Str("job_type", string(j.Class)).
		Str("user_id", j.Meta.UserID).Str("file_name", j.Meta.FileName).Msg("job started")
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			success = false
			result = fmt.Sprintf("FATAL_WORKER_ERROR: %v", rec)
			log.Error().Str("job_id", j.ID).Interface("panic", rec).Msg("job handler panicked")
			_ = r.q.AddDLQ(ctx, j.Class, raw, fmt.Sprintf("panic: %v", rec))
		}
		r.finish(ctx, j, success, result, started)
	}()

	var err error
	switch j.Class {
	case job.ClassFormat:
		result, success, err = r.runFormat(ctx, j)
	default:
		// extract and fallback both run the extraction flow; the
		// fallback class only differs in which pool pays for it.
		result, success, err = r.runExtract(ctx, j)
	}
	if err != nil {
		success = false
		result = fmt.Sprintf("FATAL_WORKER_ERROR: %v", err)
		log.Error().Err(err).Str("job_id", j.ID).Msg("job faulted")
		_ = r.q.AddDLQ(ctx, j.Class, raw, err.Error())
	}
}

// finish publishes the single completion event and records terminal
// state. Publish failures are logged, not raised: a job may finish
// without its notification if the broker is down, and that limitation
// is accepted rather than masked.
func (r *Router) finish(ctx context.Context, j job.Job, success bool, result string, started time.Time) {
	status := job.StatusFailed
	metricResult := "failed"
	if success {
		status = job.StatusFinished
		metricResult = "finished"
	}
	metrics.JobProcessed(string(j.Class), metricResult)

	ev := job.CompletionEvent{
		JobID:     j.ID,
		JobType:   j.Class,
		UserID:    j.Meta.UserID,
		FileName:  j.Meta.FileName,
		Success:   success,
		Result:    result,
		Timestamp: time.Now(),
	}
	if err := r.bc.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("completion publish failed, client will not be notified")
	}

	if err := r.statuses.Transition(ctx, j.ID, status, truncate(result, 256)); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("terminal status write failed")
	}
	if err := r.q.MarkDone(ctx, j.ID); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("done-mark write failed")
	}

	if success && r.arch != nil && (j.Class == job.ClassExtract || j.Class == job.ClassFallback) {
		if err := r.arch.Save(ctx, j.ID, j.Meta.FileName, result); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("result archive failed")
		}
	}

	log.Info().Str("job_id", j.ID).Str("job_type", string(j.Class)).Bool("success", success).
		Dur("duration", time.Since(started)).Msg("job finished")
}

// runExtract processes one uploaded file: PDFs fan out page by page
// sequentially, everything else is sent as a single image. The job is
// successful only when every page produced a non-placeholder result;
// the partial concatenation is returned either way.
func (r *Router) runExtract(ctx context.Context, j job.Job) (string, bool, error) {
	exec := r.execs[j.Class]
	if exec == nil {
		return "", false, fmt.Errorf("no executor for class %s", j.Class)
	}
	if len(j.Files) == 0 {
		return "ERROR: No file data provided", false, nil
	}
	f := j.Files[0]
	name := j.Meta.FileName
	if name == "" {
		name = f.Name
	}
	if f.DataB64 == "" {
		return fmt.Sprintf("ERROR: No data for %s", name), false, nil
	}
	rawBytes, err := base64.StdEncoding.DecodeString(f.DataB64)
	if err != nil {
		return "", false, fmt.Errorf("decode payload for %s: %w", name, err)
	}

	info := filetype.Detect(rawBytes)
	isPDF := info.IsPDF || strings.HasSuffix(strings.ToLower(name), ".pdf")

	if !isPDF {
		mime := f.MIMEType
		if mime == "" {
			mime = info.MIMEType
		}
		txt := r.extractImage(ctx, exec, j.ID, rawBytes, mime)
		r.pace()
		overall := fmt.Sprintf("--- %s ---\n%s\n\n", name, txt)
		return overall, !isPlaceholder(txt), nil
	}

	pages, err := r.rend.Render(rawBytes)
	if err != nil || len(pages) == 0 {
		log.Error().Err(err).Str("job_id", j.ID).Str("file_name", name).Msg("pdf rendering produced no pages")
		return fmt.Sprintf("--- %s | PDF FAILURE: NO PAGES EXTRACTED ---\n\n", name), false, nil
	}

	log.Info().Str("job_id", j.ID).Str("file_name", name).Int("pages", len(pages)).Msg("extracting pdf")
	var sb strings.Builder
	allReadable := true
	for _, page := range pages {
		txt := r.extractImage(ctx, exec, j.ID, page.JPEG, "image/jpeg")
		fmt.Fprintf(&sb, "--- %s | page %d ---\n%s\n\n", name, page.Number, txt)
		if isPlaceholder(txt) {
			allReadable = false
		}
		// Pacing between page calls smooths burst load on top of the
		// gate's concurrency bound.
		r.pace()
	}
	return sb.String(), allReadable, nil
}

// extractImage runs one page/image through the extraction prompt,
// downscaling oversized inputs first. Retry exhaustion yields the
// placeholder, never an error.
func (r *Router) extractImage(ctx context.Context, exec Caller, jobID string, data []byte, mime string) string {
	if len(data) > render.MaxInlineBytes {
		data = render.Shrink(data, 1200, 85)
		mime = "image/jpeg"
	}
	parts := []ai.Part{
		{Text: prompts.Extraction},
		{Inline: &ai.Blob{MIMEType: mime, DataBase64: base64.StdEncoding.EncodeToString(data)}},
	}
	txt, err := exec.Call(ctx, jobID, parts, r.cfg.ExtractMaxRetries)
	if err != nil {
		return Unreadable
	}
	return txt
}

// runFormat issues the two independent sub-calls. The job is reported
// successful whenever this function itself completes, even if either
// sub-call exhausted its retries: the reformat falls back to the raw
// text and the summary to empty. Best-effort by contract.
func (r *Router) runFormat(ctx context.Context, j job.Job) (string, bool, error) {
	exec := r.execs[j.Class]
	if exec == nil {
		return "", false, fmt.Errorf("no executor for class %s", j.Class)
	}
	rawText := j.RawText

	formatted, err := exec.Call(ctx, j.ID,
		[]ai.Part{{Text: prompts.Formatting + "\n\n" + rawText}}, r.cfg.FormatMaxRetries)
	if err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("reformat sub-call gave up")
		formatted = rawText
	}

	summary, err := exec.Call(ctx, j.ID,
		[]ai.Part{{Text: prompts.Summarization + "\n\n" + rawText}}, r.cfg.FormatMaxRetries)
	if err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("summarize sub-call gave up")
		summary = ""
	}

	out, err := json.Marshal(job.FormatResult{FormattedText: formatted, SummaryText: summary})
	if err != nil {
		return "", false, fmt.Errorf("marshal format result: %w", err)
	}
	return string(out), true, nil
}

func isPlaceholder(txt string) bool {
	return strings.HasPrefix(txt, "[UNREADABLE")
}

func (r *Router) pace() {
	if r.cfg.PacingMax <= 0 {
		return
	}
	d := r.cfg.PacingMin
	if spread := r.cfg.PacingMax - r.cfg.PacingMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	time.Sleep(d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
