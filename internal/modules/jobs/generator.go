package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aristath/saa/internal/clients/objectstore"
	"github.com/aristath/saa/internal/clients/webhook"
	"github.com/aristath/saa/internal/metrics"
	"github.com/aristath/saa/internal/modules/pipeline"
	"github.com/aristath/saa/internal/modules/reporting"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrStorageDisabled is returned when no object store is configured
var ErrStorageDisabled = errors.New("object storage is not configured")

// Runner executes one optimization run
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Uploader stores exported workbooks
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (objectstore.Object, error)
}

// Notifier delivers job callbacks
type Notifier interface {
	Send(ctx context.Context, target webhook.Target, payload interface{}) error
}

// Request is a generate request: an optimization plus its export location
type Request struct {
	pipeline.Request
	StorageID string          `json:"storageId"`
	FileName  string          `json:"fileName"`
	Webhook   *webhook.Target `json:"webhook,omitempty"`
}

// MissingFields reports the required export fields that are empty
func (r Request) MissingFields() []pipeline.FieldError {
	var out []pipeline.FieldError
	if strings.TrimSpace(r.StorageID) == "" {
		out = append(out, pipeline.FieldError{Field: "storageId", Code: "REQUIRED", Message: "storageId is required"})
	}
	if strings.TrimSpace(r.FileName) == "" {
		out = append(out, pipeline.FieldError{Field: "fileName", Code: "REQUIRED", Message: "fileName is required"})
	}
	return out
}

// Callback is the webhook payload sent when an asynchronous job finishes
type Callback struct {
	JobID     string `json:"jobId"`
	StorageID string `json:"storageId"`
	FileName  string `json:"fileName"`
	Status    Status `json:"status"`
	Files     *Files `json:"files,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Generator runs the pipeline and exports both workbooks
type Generator struct {
	runner   Runner
	writer   *reporting.Writer
	store    Uploader
	notifier Notifier
	registry *Registry
	metrics  *metrics.Registry
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGenerator creates a generator. store may be nil when exports are
// disabled; m may be nil.
func NewGenerator(runner Runner, store Uploader, notifier Notifier, registry *Registry, m *metrics.Registry, log zerolog.Logger) *Generator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		runner:   runner,
		writer:   reporting.NewWriter(log),
		store:    store,
		notifier: notifier,
		registry: registry,
		metrics:  m,
		log:      log.With().Str("service", "generator").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enabled reports whether exports can be uploaded
func (g *Generator) Enabled() bool {
	return g.store != nil
}

// Registry returns the job registry
func (g *Generator) Registry() *Registry {
	return g.registry
}

// Generate runs the optimization and uploads both workbooks
func (g *Generator) Generate(ctx context.Context, req Request) (*Files, error) {
	if g.store == nil {
		return nil, ErrStorageDisabled
	}

	res, err := g.runner.Run(ctx, req.Request)
	if err != nil {
		return nil, err
	}

	saaBook, err := g.writer.SAAWorkbook(res)
	if err != nil {
		return nil, fmt.Errorf("failed to render SAA workbook: %w", err)
	}
	portfolioBook, err := g.writer.PortfolioWorkbook(res)
	if err != nil {
		return nil, fmt.Errorf("failed to render portfolio workbook: %w", err)
	}

	var files Files
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		loc, err := g.upload(egCtx, objectstore.Key(req.StorageID, req.FileName, reporting.SAAResultsFile), saaBook)
		files.SAAResults = loc
		return err
	})
	eg.Go(func() error {
		loc, err := g.upload(egCtx, objectstore.Key(req.StorageID, req.FileName, reporting.PortfolioResultsFile), portfolioBook)
		files.PortfolioResults = loc
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	g.log.Info().
		Str("run_id", res.RunID).
		Str("storage_id", req.StorageID).
		Str("file_name", req.FileName).
		Msg("Exported optimization workbooks")
	return &files, nil
}

func (g *Generator) upload(ctx context.Context, key string, data []byte) (string, error) {
	obj, err := g.store.Upload(ctx, key, data, objectstore.ContentTypeXLSX)
	if g.metrics != nil {
		g.metrics.RecordExport(err)
	}
	if err != nil {
		return "", err
	}
	if obj.Location != "" {
		return obj.Location, nil
	}
	return obj.Key, nil
}

// Submit registers a job and runs it in the background. The webhook is
// called when the job finishes, successfully or not.
func (g *Generator) Submit(req Request) (Record, error) {
	if g.store == nil {
		return Record{}, ErrStorageDisabled
	}
	if req.Webhook == nil {
		return Record{}, errors.New("asynchronous generate requires a webhook")
	}
	if err := g.ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("generator is shutting down: %w", err)
	}

	rec := g.registry.Create(req.StorageID, req.FileName)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.process(rec.ID, req)
	}()

	g.log.Info().Str("job_id", rec.ID).Msg("Generate job accepted")
	return rec, nil
}

func (g *Generator) process(id string, req Request) {
	start := time.Now()
	cb := Callback{JobID: id, StorageID: req.StorageID, FileName: req.FileName}

	files, err := g.Generate(g.ctx, req)
	if err != nil {
		g.registry.Fail(id, err)
		cb.Status = StatusError
		cb.Error = err.Error()
		g.log.Error().Err(err).Str("job_id", id).Msg("Generate job failed")
	} else {
		g.registry.Complete(id, *files)
		cb.Status = StatusCompleted
		cb.Files = files
		g.log.Info().Str("job_id", id).Dur("duration", time.Since(start)).Msg("Generate job completed")
	}

	// The callback is delivered even while shutting down
	sendErr := g.notifier.Send(context.WithoutCancel(g.ctx), *req.Webhook, cb)
	if g.metrics != nil {
		g.metrics.RecordWebhook(sendErr)
	}
	if sendErr != nil {
		g.log.Warn().Err(sendErr).Str("job_id", id).Msg("Webhook delivery failed")
	}
}

// Shutdown waits for running jobs until ctx expires, then cancels them
func (g *Generator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}
