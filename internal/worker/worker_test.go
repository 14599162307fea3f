package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/encoder"
	"github.com/cuongbtq/vidflow/internal/objectstore"
	"github.com/cuongbtq/vidflow/internal/reconciler"
	"github.com/cuongbtq/vidflow/internal/worker/journal"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) all() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type delayedMessage struct {
	body  []byte
	delay time.Duration
}

type fakeBroker struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	delayed    []delayedMessage
	publishErr error
	prefetch   int
	canceled   bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 16)}
}

func (b *fakeBroker) SetPrefetch(count int) error {
	b.prefetch = count
	return nil
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Cancel(string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = true
	return nil
}

func (b *fakeBroker) PublishDelayed(_ context.Context, body []byte, _ string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.delayed = append(b.delayed, delayedMessage{body: body, delay: delay})
	return nil
}

// fakeEncoder writes a manifest and two segments, or fails
type fakeEncoder struct {
	mu       sync.Mutex
	err      error
	requests []encoder.Request
	inputs   []string
}

func (e *fakeEncoder) Encode(_ context.Context, req encoder.Request) (encoder.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	data, _ := os.ReadFile(req.InputPath)
	e.inputs = append(e.inputs, string(data))
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return encoder.Result{}, err
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return encoder.Result{}, err
	}
	manifest := filepath.Join(req.OutputDir, encoder.ManifestName)
	files := []string{manifest, filepath.Join(req.OutputDir, "seg-000.ts"), filepath.Join(req.OutputDir, "seg-001.ts")}
	for _, f := range files {
		if err := os.WriteFile(f, []byte(filepath.Base(f)), 0o644); err != nil {
			return encoder.Result{}, err
		}
	}
	return encoder.Result{ManifestPath: manifest, Artifacts: files}, nil
}

func (e *fakeEncoder) Probe(context.Context, string) (int, error) {
	return 42, nil
}

type fakeCompletions struct {
	mu     sync.Mutex
	events []domain.CompletionEvent
	err    error
}

func (c *fakeCompletions) HandleCompletion(_ context.Context, ev domain.CompletionEvent) (reconciler.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return reconciler.Outcome{}, c.err
	}
	c.events = append(c.events, ev)
	return reconciler.Outcome{VideoID: ev.VideoID}, nil
}

type fakeJournal struct {
	records []journal.FailureRecord
	listErr error
}

func (j *fakeJournal) Record(rec journal.FailureRecord) error {
	j.records = append(j.records, rec)
	return nil
}

func (j *fakeJournal) Delete(videoID string, res domain.Resolution) error {
	kept := j.records[:0]
	for _, rec := range j.records {
		if rec.VideoID != videoID || rec.Resolution != res {
			kept = append(kept, rec)
		}
	}
	j.records = kept
	return nil
}

func (j *fakeJournal) List(videoID string) ([]journal.FailureRecord, error) {
	if j.listErr != nil {
		return nil, j.listErr
	}
	var out []journal.FailureRecord
	for _, rec := range j.records {
		if videoID == "" || rec.VideoID == videoID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fixture struct {
	worker      *Worker
	broker      *fakeBroker
	objects     *objectstore.Memory
	encoder     *fakeEncoder
	completions *fakeCompletions
	journal     *fakeJournal
	scratch     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	table, err := domain.NewResolutionTable([]domain.Profile{
		{Resolution: "144p", Bitrate: "200k", Width: 256, Height: 144},
		{Resolution: "360p", Bitrate: "800k", Width: 640, Height: 360},
		{Resolution: "720p", Bitrate: "2500k", Width: 1280, Height: 720},
	}, "360p")
	require.NoError(t, err)

	f := &fixture{
		broker:      newFakeBroker(),
		objects:     objectstore.NewMemory(),
		encoder:     &fakeEncoder{},
		completions: &fakeCompletions{},
		journal:     &fakeJournal{},
		scratch:     t.TempDir(),
	}
	require.NoError(t, f.objects.Put(context.Background(), "originals/src.mp4", strings.NewReader("source-bytes"), 12, "video/mp4"))

	f.worker = NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Broker:            f.broker,
		Objects:           f.objects,
		Encoder:           f.encoder,
		Resolutions:       table,
		Completions:       f.completions,
		Journal:           f.journal,
		WorkerID:          "worker-test",
		Concurrency:       2,
		MaxAttempts:       3,
		JobTimeout:        5 * time.Second,
		HeartbeatInterval: time.Second,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     10 * time.Second,
		ScratchDir:        f.scratch,
	})
	return f
}

func transcodeJob(res domain.Resolution, attempt int) domain.TranscodeJob {
	job := domain.NewTranscodeJob("v-1", "originals/src.mp4", res, time.Now())
	job.Attempt = attempt
	return job
}

func (f *fixture) scratchEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.worker.scratchRoot())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcessJob_Success(t *testing.T) {
	f := newFixture(t)

	err := f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("720p", 1)})
	require.NoError(t, err)

	require.Len(t, f.completions.events, 1)
	ev := f.completions.events[0]
	assert.Equal(t, domain.OutcomeSucceeded, ev.Outcome)
	assert.Equal(t, domain.Resolution("720p"), ev.Resolution)
	assert.Equal(t, 42, ev.DurationSeconds)
	assert.True(t, strings.HasPrefix(ev.ObjectKey, "videos/v-1/720p/"))
	assert.True(t, strings.HasSuffix(ev.ObjectKey, "/index.m3u8"))

	prefix := strings.TrimSuffix(ev.ObjectKey, "index.m3u8")
	assert.ElementsMatch(t, []string{
		"originals/src.mp4",
		prefix + "index.m3u8",
		prefix + "seg-000.ts",
		prefix + "seg-001.ts",
	}, f.objects.Keys())
	assert.Equal(t, "video/mp2t", f.objects.ContentType(prefix+"seg-000.ts"))

	require.Len(t, f.encoder.requests, 1)
	assert.Equal(t, 1280, f.encoder.requests[0].Profile.Width)
	assert.Equal(t, "source-bytes", f.encoder.inputs[0])
	assert.Empty(t, f.scratchEntries(t), "scratch must be removed")
}

func TestProcessJob_EachRunUsesFreshOutputPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.processJob(ctx, &jobMessage{job: transcodeJob("144p", 1)}))
	require.NoError(t, f.worker.processJob(ctx, &jobMessage{job: transcodeJob("144p", 1)}))

	require.Len(t, f.completions.events, 2)
	assert.NotEqual(t, f.completions.events[0].ObjectKey, f.completions.events[1].ObjectKey)
}

func TestProcessJob_UnknownResolutionFallsBack(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("4k", 1)}))

	assert.Equal(t, domain.Resolution("360p"), f.encoder.requests[0].Profile.Resolution)
	assert.Equal(t, domain.Resolution("4k"), f.completions.events[0].Resolution)
}

func TestProcessJob_TransientFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.encoder.err = &encoder.ExitError{Code: 1, Err: errors.New("exit status 1")}

	err := f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("360p", 1)})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, dispositionRetry, jobDisposition(err))
	assert.Empty(t, f.completions.events)
	assert.Empty(t, f.scratchEntries(t), "scratch must be removed on failure")
}

func TestProcessJob_LastAttemptFailsPermanently(t *testing.T) {
	f := newFixture(t)
	f.encoder.err = errors.New("encoder crashed")

	err := f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("360p", 3)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.Equal(t, dispositionDeadLetter, jobDisposition(err))

	require.Len(t, f.completions.events, 1)
	ev := f.completions.events[0]
	assert.Equal(t, domain.OutcomeFailed, ev.Outcome)
	assert.Equal(t, 3, ev.Attempt)
	assert.Contains(t, ev.Error, "encoder crashed")

	require.Len(t, f.journal.records, 1)
	assert.Equal(t, "worker-test", f.journal.records[0].WorkerID)
}

func TestProcessJob_SuccessClearsJournaledFailure(t *testing.T) {
	f := newFixture(t)
	f.journal.records = []journal.FailureRecord{
		{VideoID: "v-1", Resolution: "360p", Attempts: 3, Error: "encoder crashed"},
		{VideoID: "v-1", Resolution: "720p", Attempts: 3, Error: "encoder crashed"},
	}

	require.NoError(t, f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("360p", 1)}))

	require.Len(t, f.journal.records, 1)
	assert.Equal(t, domain.Resolution("720p"), f.journal.records[0].Resolution)
}

func TestWorker_ReportJournal(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	f.worker.logger = slog.New(slog.NewTextHandler(&logs, nil))

	f.worker.reportJournal()
	assert.Empty(t, logs.String())

	f.journal.records = []journal.FailureRecord{{VideoID: "v-9", Resolution: "144p", Attempts: 3, Error: "boom"}}
	f.worker.reportJournal()
	assert.Contains(t, logs.String(), "Failure journal holds unresolved jobs")
	assert.Contains(t, logs.String(), "video_id=v-9")

	logs.Reset()
	f.journal.listErr = errors.New("corrupt")
	f.worker.reportJournal()
	assert.Contains(t, logs.String(), "Failed to read failure journal")
}

func TestProcessJob_AttemptCeilingBeforeStart(t *testing.T) {
	f := newFixture(t)

	err := f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("360p", 4)})
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.Empty(t, f.encoder.requests)
	require.Len(t, f.completions.events, 1)
	assert.Equal(t, domain.OutcomeFailed, f.completions.events[0].Outcome)
}

func TestProcessJob_MissingSourceFailsImmediately(t *testing.T) {
	f := newFixture(t)
	job := transcodeJob("360p", 1)
	job.SourceKey = "originals/gone.mp4"

	err := f.worker.processJob(context.Background(), &jobMessage{job: job})
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	require.Len(t, f.completions.events, 1)
	assert.Equal(t, domain.OutcomeFailed, f.completions.events[0].Outcome)
}

func TestProcessJob_CompletionErrors(t *testing.T) {
	f := newFixture(t)

	f.completions.err = errors.New("database is down")
	err := f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("360p", 1)})
	assert.True(t, domain.IsRetryable(err))

	f.completions.err = fmt.Errorf("reconcile: %w", domain.ErrVideoNotFound)
	err = f.worker.processJob(context.Background(), &jobMessage{job: transcodeJob("360p", 1)})
	assert.Equal(t, dispositionDeadLetter, jobDisposition(err))
}

func TestProcessJob_CanceledContextRequeues(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.worker.processJob(ctx, &jobMessage{job: transcodeJob("360p", 1)})
	assert.Equal(t, dispositionRequeue, jobDisposition(err))
}

func TestJobDisposition(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want disposition
	}{
		{name: "success", err: nil, want: dispositionAck},
		{name: "retryable", err: domain.NewRetryableError(errors.New("x")), want: dispositionRetry},
		{name: "max retries", err: fmt.Errorf("%w: x", domain.ErrMaxRetriesExceeded), want: dispositionDeadLetter},
		{name: "invalid payload", err: domain.ErrInvalidPayload, want: dispositionDeadLetter},
		{name: "unknown kind", err: domain.ErrUnknownJobKind, want: dispositionDeadLetter},
		{name: "canceled", err: context.Canceled, want: dispositionRequeue},
		{name: "unknown error", err: errors.New("x"), want: dispositionDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobDisposition(tt.err))
		})
	}
}

func TestRetryDelay(t *testing.T) {
	w := &Worker{retryBaseDelay: time.Second, retryMaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, w.retryDelay(0))
	assert.Equal(t, time.Second, w.retryDelay(1))
	assert.Equal(t, 2*time.Second, w.retryDelay(2))
	assert.Equal(t, 4*time.Second, w.retryDelay(3))
	assert.Equal(t, 5*time.Second, w.retryDelay(4))
	assert.Equal(t, 5*time.Second, w.retryDelay(40))
}

func TestSettle_RetryRepublishesNextAttempt(t *testing.T) {
	f := newFixture(t)
	ack := &fakeAcknowledger{}
	msg := &jobMessage{job: transcodeJob("360p", 2), delivery: amqp.Delivery{Acknowledger: ack, DeliveryTag: 7}}

	f.worker.settle(context.Background(), f.worker.logger, msg, domain.NewRetryableError(errors.New("x")))

	require.Len(t, f.broker.delayed, 1)
	assert.Equal(t, 2*time.Second, f.broker.delayed[0].delay)
	next, err := domain.DecodeJob(f.broker.delayed[0].body)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Attempt)
	assert.Equal(t, []settlement{{tag: 7, ack: true}}, ack.all())
}

func TestSettle_RetryPublishFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.broker.publishErr = errors.New("channel closed")
	ack := &fakeAcknowledger{}
	msg := &jobMessage{job: transcodeJob("360p", 1), delivery: amqp.Delivery{Acknowledger: ack, DeliveryTag: 3}}

	f.worker.settle(context.Background(), f.worker.logger, msg, domain.NewRetryableError(errors.New("x")))

	assert.Equal(t, []settlement{{tag: 3, requeue: true}}, ack.all())
}

func TestSweepScratch(t *testing.T) {
	f := newFixture(t)
	root := f.worker.scratchRoot()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "job-v-1-360p-123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "job-v-1-360p-123", "source.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "keep"), 0o755))

	// another worker's recent job may still be running
	other := filepath.Join(f.scratch, "vidflow-other", "job-v-2-144p-9")
	require.NoError(t, os.MkdirAll(other, 0o755))

	// a previous incarnation under a different id left this behind
	stale := filepath.Join(f.scratch, "vidflow-old-host", "job-v-3-720p-4")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "source.mp4"), []byte("x"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, f.worker.sweepScratch())

	assert.Equal(t, []string{"keep"}, f.scratchEntries(t))
	assert.DirExists(t, other)
	assert.NoDirExists(t, stale)
	assert.NoDirExists(t, filepath.Dir(stale))
}

func TestWorker_StartConsumesUntilCanceled(t *testing.T) {
	f := newFixture(t)
	ack := &fakeAcknowledger{}

	good, err := transcodeJob("144p", 1).Encode()
	require.NoError(t, err)
	f.broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: good}
	f.broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("{not json")}
	f.broker.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"kind":"thumbnail"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.worker.Start(ctx) }()

	require.Eventually(t, func() bool { return len(ack.all()) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	assert.True(t, f.worker.Wait(time.Second))

	assert.ElementsMatch(t, []settlement{
		{tag: 1, ack: true},
		{tag: 2},
		{tag: 3},
	}, ack.all())
	assert.Equal(t, 2, f.broker.prefetch)
	assert.True(t, f.broker.canceled)
}

func TestWorker_StartReturnsWhenDeliveriesClose(t *testing.T) {
	f := newFixture(t)
	close(f.broker.deliveries)

	err := f.worker.Start(context.Background())
	assert.ErrorContains(t, err, "delivery channel closed")
	assert.True(t, f.worker.Wait(time.Second))
}
