package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/saa/internal/clients/webhook"
	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/metrics"
	"github.com/aristath/saa/internal/modules/pipeline"
	testutil "github.com/aristath/saa/internal/testing"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGenerator(t *testing.T, store Uploader) (*Generator, *testutil.MockNotifier, *metrics.Registry) {
	t.Helper()
	log := zerolog.Nop()
	m := metrics.NewRegistry(log)
	svc := pipeline.NewService(nil, config.DefaultEngine(), 2, m, log)
	notifier := testutil.NewMockNotifier(1)
	return NewGenerator(svc, store, notifier, NewRegistry(m, log), m, log), notifier, m
}

func nextCallback(t *testing.T, n *testutil.MockNotifier) Callback {
	t.Helper()
	select {
	case payload := <-n.Calls:
		cb, ok := payload.(Callback)
		require.True(t, ok, "unexpected payload %T", payload)
		return cb
	case <-time.After(30 * time.Second):
		t.Fatal("webhook was not called")
	}
	return Callback{}
}

func generateRequest() Request {
	return Request{
		Request:   pipeline.Request{MarketData: testutil.NewMarketDataFixture()},
		StorageID: "client-7",
		FileName:  "q3-review",
	}
}

func TestRequest_MissingFields(t *testing.T) {
	missing := Request{}.MissingFields()
	require.Len(t, missing, 2)
	assert.Equal(t, "storageId", missing[0].Field)
	assert.Equal(t, "fileName", missing[1].Field)
	for _, f := range missing {
		assert.Equal(t, "REQUIRED", f.Code)
	}

	assert.Empty(t, generateRequest().MissingFields())
}

func TestGenerator_Generate(t *testing.T) {
	store := testutil.NewMockObjectStore(true)
	g, _, m := newGenerator(t, store)

	files, err := g.Generate(context.Background(), generateRequest())
	require.NoError(t, err)

	assert.Equal(t, "mem://client-7/q3-review/SAA_Results.xlsx", files.SAAResults)
	assert.Equal(t, "mem://client-7/q3-review/Portfolio_Construction_Results.xlsx", files.PortfolioResults)
	assert.Equal(t, []string{
		"client-7/q3-review/Portfolio_Construction_Results.xlsx",
		"client-7/q3-review/SAA_Results.xlsx",
	}, store.Keys())
	assert.Equal(t, 2.0, promtest.ToFloat64(m.Exports.WithLabelValues(metrics.ResultSuccess)))
}

func TestGenerator_StorageDisabled(t *testing.T) {
	g, _, _ := newGenerator(t, nil)
	assert.False(t, g.Enabled())

	_, err := g.Generate(context.Background(), generateRequest())
	assert.ErrorIs(t, err, ErrStorageDisabled)
	_, err = g.Submit(generateRequest())
	assert.ErrorIs(t, err, ErrStorageDisabled)
}

func TestGenerator_SubmitCompletes(t *testing.T) {
	g, notifier, m := newGenerator(t, testutil.NewMockObjectStore(true))
	req := generateRequest()
	req.Webhook = &webhook.Target{URL: "https://hooks.example/done"}

	rec, err := g.Submit(req)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)

	cb := nextCallback(t, notifier)
	assert.Equal(t, rec.ID, cb.JobID)
	assert.Equal(t, StatusCompleted, cb.Status)
	require.NotNil(t, cb.Files)
	assert.Contains(t, cb.Files.SAAResults, "SAA_Results.xlsx")

	require.NoError(t, g.Shutdown(context.Background()))
	got, ok := g.Registry().Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ActiveJobs))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Webhooks.WithLabelValues(metrics.ResultSuccess)))
}

func TestGenerator_SubmitReportsFailure(t *testing.T) {
	store := testutil.NewMockObjectStore(true)
	store.SetError(errors.New("bucket not found"))
	g, notifier, _ := newGenerator(t, store)
	req := generateRequest()
	req.Webhook = &webhook.Target{URL: "https://hooks.example/done"}

	rec, err := g.Submit(req)
	require.NoError(t, err)

	cb := nextCallback(t, notifier)
	assert.Equal(t, StatusError, cb.Status)
	assert.Contains(t, cb.Error, "bucket not found")
	assert.Nil(t, cb.Files)

	require.NoError(t, g.Shutdown(context.Background()))
	got, _ := g.Registry().Get(rec.ID)
	assert.Equal(t, StatusError, got.Status)
}

func TestGenerator_SubmitRequiresWebhook(t *testing.T) {
	g, _, _ := newGenerator(t, testutil.NewMockObjectStore(true))
	_, err := g.Submit(generateRequest())
	assert.Error(t, err)
}

func TestRegistry_Prune(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	done := r.Create("s", "a")
	failed := r.Create("s", "b")
	running := r.Create("s", "c")
	r.Complete(done.ID, Files{SAAResults: "x", PortfolioResults: "y"})
	r.Fail(failed.ID, errors.New("boom"))

	now = now.Add(2 * time.Hour)
	fresh := r.Create("s", "d")
	r.Complete(fresh.ID, Files{})

	job := NewCleanupJob(r, time.Hour, zerolog.Nop())
	require.NoError(t, job.Run())
	assert.Equal(t, "generate_job_cleanup", job.Name())

	_, ok := r.Get(done.ID)
	assert.False(t, ok)
	_, ok = r.Get(failed.ID)
	assert.False(t, ok)
	_, ok = r.Get(running.ID)
	assert.True(t, ok, "processing jobs are kept")
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	rec := r.Create("s", "f")
	r.Complete(rec.ID, Files{SAAResults: "a"})

	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	got.Files.SAAResults = "changed"

	again, _ := r.Get(rec.ID)
	assert.Equal(t, "a", again.Files.SAAResults)
}

type stubJob struct {
	name string
	errs []error
}

func (j *stubJob) Run() error {
	if len(j.errs) == 0 {
		return nil
	}
	err := j.errs[0]
	j.errs = j.errs[1:]
	return err
}

func (j *stubJob) Name() string { return j.name }

func TestScheduler_AddJob(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())
	r := NewRegistry(nil, zerolog.Nop())

	require.NoError(t, s.AddJob("0 */5 * * * *", NewCleanupJob(r, time.Hour, zerolog.Nop())))
	assert.Error(t, s.AddJob("0 */5 * * * *", NewCleanupJob(r, time.Hour, zerolog.Nop())), "duplicate name")
	assert.Error(t, s.AddJob("not a schedule", &stubJob{name: "other"}))

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "generate_job_cleanup", status[0].Name)
	assert.Equal(t, "0 */5 * * * *", status[0].Schedule)

	s.Start()
	assert.False(t, s.Status()[0].Next.IsZero())
	s.Stop()
}

func TestScheduler_RecordsRunOutcomes(t *testing.T) {
	m := metrics.NewRegistry(zerolog.Nop())
	s := NewScheduler(m, zerolog.Nop())
	job := &stubJob{name: "flaky", errs: []error{nil, errors.New("disk full"), nil}}
	require.NoError(t, s.AddJob("@every 1h", job))

	s.run("flaky")
	s.run("flaky")

	st := s.Status()[0]
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, "disk full", st.LastError)
	assert.False(t, st.LastRun.IsZero())

	s.run("flaky")
	st = s.Status()[0]
	assert.Equal(t, 3, st.Runs)
	assert.Empty(t, st.LastError, "a success clears the last error")

	assert.Equal(t, 2.0, promtest.ToFloat64(m.JobRuns.WithLabelValues("flaky", metrics.ResultSuccess)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.JobRuns.WithLabelValues("flaky", metrics.ResultError)))

	s.run("unknown")
	assert.Equal(t, 3, s.Status()[0].Runs)
}

func TestScheduler_CleanupJobPrunesThroughSchedule(t *testing.T) {
	m := metrics.NewRegistry(zerolog.Nop())
	r := NewRegistry(m, zerolog.Nop())
	rec := r.Create("s", "a")
	r.Complete(rec.ID, Files{SAAResults: "a"})

	s := NewScheduler(m, zerolog.Nop())
	job := NewCleanupJob(r, -time.Minute, zerolog.Nop())
	require.NoError(t, s.AddJob("@every 1h", job))

	s.run(job.Name())

	_, ok := r.Get(rec.ID)
	assert.False(t, ok)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.JobRuns.WithLabelValues(job.Name(), metrics.ResultSuccess)))
}
