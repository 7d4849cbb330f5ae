package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sourcescan/internal/clock"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/metrics"
	"github.com/timmy/sourcescan/internal/queue"
	"github.com/timmy/sourcescan/internal/repository"
	"github.com/timmy/sourcescan/internal/source"
	"github.com/timmy/sourcescan/internal/storage"
	"gorm.io/gorm"
)

// DefaultPreviewRows is the number of data rows shown when previewing an upload.
const DefaultPreviewRows = 10

// JobServiceConfig holds configuration for the job service.
type JobServiceConfig struct {
	ChunkSize   int
	PreviewRows int
}

// JobService accepts uploads, splits them into chunks and reports progress.
type JobService struct {
	jobs    *repository.JobRepository
	chunks  *repository.ChunkRepository
	results *repository.ResultRepository
	queue   queue.Queue
	parser  *source.Parser
	mapper  *ColumnMapper
	calc    *Calculator
	storage storage.ObjectStorage
	clock   clock.Clock
	logger  *logger.Logger
	cfg     JobServiceConfig
}

// NewJobService creates a new job service. objectStorage may be nil, in which
// case uploads are not archived and exports are unavailable.
func NewJobService(
	jobs *repository.JobRepository,
	chunks *repository.ChunkRepository,
	results *repository.ResultRepository,
	q queue.Queue,
	parser *source.Parser,
	mapper *ColumnMapper,
	calc *Calculator,
	objectStorage storage.ObjectStorage,
	clk clock.Clock,
	log *logger.Logger,
	cfg *JobServiceConfig,
) *JobService {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	c := *cfg
	if c.ChunkSize <= 0 {
		c.ChunkSize = 200
	}
	if c.PreviewRows <= 0 {
		c.PreviewRows = DefaultPreviewRows
	}
	return &JobService{
		jobs:    jobs,
		chunks:  chunks,
		results: results,
		queue:   q,
		parser:  parser,
		mapper:  mapper,
		calc:    calc,
		storage: objectStorage,
		clock:   clk,
		logger:  log,
		cfg:     c,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *JobService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// PreviewResult is what a client needs to confirm a column mapping.
type PreviewResult struct {
	Filename  string           `json:"filename"`
	Format    string           `json:"format"`
	Sheet     string           `json:"sheet,omitempty"`
	Headers   []string         `json:"headers"`
	Rows      [][]string       `json:"rows"`
	TotalRows int              `json:"total_rows"`
	Proposal  *MappingProposal `json:"proposal"`
}

// Preview parses an upload and proposes a column mapping without creating a job.
func (s *JobService) Preview(ctx context.Context, filename string, r io.Reader) (*PreviewResult, error) {
	table, err := s.parser.Parse(filename, r)
	if err != nil {
		return nil, err
	}
	preview := table.Preview(s.cfg.PreviewRows)
	rows := make([][]string, len(preview.Rows))
	for i, row := range preview.Rows {
		rows[i] = row.Values
	}
	return &PreviewResult{
		Filename:  filename,
		Format:    table.Format,
		Sheet:     table.Sheet,
		Headers:   table.Headers,
		Rows:      rows,
		TotalRows: len(table.Rows),
		Proposal:  s.mapper.Propose(preview),
	}, nil
}

// Upload is a catalog file submitted for analysis.
type Upload struct {
	Owner    string
	Filename string
	Content  io.Reader
	// Mapping is the confirmed column mapping. When nil the proposed mapping
	// is used, provided it is valid.
	Mapping domain.ColumnMapping
}

// Submit creates a job for an upload, splits its rows into chunks and
// enqueues them. It returns once the chunks are queued; processing happens
// in the worker pool.
// Returns:
//   - *domain.Job: the created job. A job without data rows is returned failed.
//   - error: ErrInvalidMapping, source.ErrUnsupportedFormat or a storage error.
func (s *JobService) Submit(ctx context.Context, upload *Upload) (*domain.Job, error) {
	data, err := io.ReadAll(upload.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	table, err := s.parser.Parse(upload.Filename, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	mapping := upload.Mapping
	if len(mapping) == 0 {
		proposal := s.mapper.Propose(table.Preview(s.cfg.PreviewRows))
		if !proposal.Valid {
			return nil, fmt.Errorf("%w: required fields not mapped: %v", ErrInvalidMapping, proposal.Missing)
		}
		mapping = proposal.Mapping
	}
	inputs, err := s.mapper.ApplyMapping(table, mapping)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:             uuid.New().String(),
		Owner:          upload.Owner,
		SourceFilename: upload.Filename,
		Mapping:        mapping,
		Status:         domain.JobStatusReceived,
		CreatedAt:      s.clock.Now(),
	}
	ctx = logger.SetJobID(ctx, job.ID)
	job.SourceKey = s.archiveSource(ctx, job.ID, upload.Filename, data)

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.JobsSubmittedTotal.Inc()

	if err := s.chunk(ctx, job, inputs); err != nil {
		return nil, err
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldOwner: upload.Owner,
		"filename":        upload.Filename,
		"rows":            len(inputs),
	}).Info("Job submitted")

	return s.jobs.GetByID(ctx, job.ID)
}

// chunk moves a received job through chunking into processing.
func (s *JobService) chunk(ctx context.Context, job *domain.Job, inputs []domain.RowInput) error {
	ok, err := s.jobs.Transition(ctx, job.ID,
		[]domain.JobStatus{domain.JobStatusReceived}, domain.JobStatusChunking, nil)
	if err != nil {
		return fmt.Errorf("failed to start chunking: %w", err)
	}
	if !ok {
		return nil
	}

	if len(inputs) == 0 {
		if _, err := s.jobs.MarkFailed(ctx, job.ID, ErrNoRows.Error(), s.clock.Now()); err != nil {
			return fmt.Errorf("failed to mark job failed: %w", err)
		}
		metrics.JobsFinishedTotal.WithLabelValues(string(domain.JobStatusFailed)).Inc()
		s.log(ctx).Warn("Job has no data rows")
		return nil
	}

	now := s.clock.Now()
	rows := make([]domain.JobRow, len(inputs))
	for i, in := range inputs {
		rows[i] = domain.JobRow{
			JobID:      job.ID,
			Index:      i,
			SourceLine: in.SourceLine,
			Values:     in.Values,
			Cost:       in.Cost,
		}
	}
	chunks := SplitChunks(job.ID, len(rows), s.cfg.ChunkSize, now)

	if err := s.jobs.BeginProcessing(ctx, job.ID, rows, chunks, now); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			// Cancelled while chunking.
			return nil
		}
		if _, markErr := s.jobs.MarkFailed(ctx, job.ID, "chunking failed", s.clock.Now()); markErr != nil {
			logger.CtxError(ctx, "Failed to mark job failed: %v", markErr)
		}
		return fmt.Errorf("failed to persist chunks: %w", err)
	}

	for _, c := range chunks {
		if err := s.queue.Enqueue(ctx, c.ID, 0); err != nil {
			// The reaper re-enqueues overdue pending chunks.
			logger.CtxWarn(logger.SetChunkID(ctx, c.ID), "Failed to enqueue chunk: %v", err)
		}
	}
	return nil
}

// SplitChunks divides rowCount rows into consecutive chunks of at most size rows.
func SplitChunks(jobID string, rowCount, size int, now time.Time) []domain.Chunk {
	if size <= 0 {
		size = rowCount
	}
	var chunks []domain.Chunk
	for start, idx := 0, 0; start < rowCount; start, idx = start+size, idx+1 {
		end := start + size
		if end > rowCount {
			end = rowCount
		}
		chunks = append(chunks, domain.Chunk{
			ID:        uuid.New().String(),
			JobID:     jobID,
			Index:     idx,
			RowStart:  start,
			RowEnd:    end,
			Status:    domain.ChunkStatusPending,
			NextRunAt: now,
		})
	}
	return chunks
}

func (s *JobService) archiveSource(ctx context.Context, jobID, filename string, data []byte) string {
	if s.storage == nil {
		return ""
	}
	key := storage.SourceKey(jobID, filename)
	if err := s.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentTypeFor(filename)); err != nil {
		s.log(ctx).WithField("key", key).WithError(err).Warn("Failed to archive upload")
		return ""
	}
	return key
}

// JobStatusView is the polled status of a job.
type JobStatusView struct {
	*domain.Job
	Progress float64                    `json:"progress"`
	Chunks   map[domain.ChunkStatus]int `json:"chunks"`
	Errors   []domain.JobErrorCount     `json:"errors"`
}

// Status returns a job's counters, chunk summary and error summary.
// Every figure comes from pre-aggregated counters.
func (s *JobService) Status(ctx context.Context, owner, jobID string) (*JobStatusView, error) {
	job, err := s.get(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.chunks.SummaryByStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize chunks: %w", err)
	}
	errs, err := s.jobs.ErrorSummary(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize errors: %w", err)
	}
	if errs == nil {
		errs = []domain.JobErrorCount{}
	}

	view := &JobStatusView{Job: job, Chunks: chunks, Errors: errs}
	if job.TotalRows > 0 {
		view.Progress = round2(float64(job.ProcessedCount) / float64(job.TotalRows) * 100)
	}
	return view, nil
}

// Chunks returns a job's chunks in row order with their attempts and last errors.
func (s *JobService) Chunks(ctx context.Context, owner, jobID string) ([]domain.Chunk, error) {
	if _, err := s.get(ctx, owner, jobID); err != nil {
		return nil, err
	}
	chunks, err := s.chunks.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// Cancel marks a job cancelled. Workers stop at their next row boundary.
func (s *JobService) Cancel(ctx context.Context, owner, jobID string) (*domain.Job, error) {
	job, err := s.get(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}
	ok, err := s.jobs.Cancel(ctx, jobID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !ok {
		// Finished between the read and the update.
		return nil, ErrJobTerminal
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(domain.JobStatusCancelled)).Inc()
	s.log(logger.SetJobID(ctx, jobID)).Info("Job cancelled")
	return s.jobs.GetByID(ctx, jobID)
}

// Results returns a page of row results in row order and the total count.
func (s *JobService) Results(ctx context.Context, owner, jobID string, filter repository.ResultFilter) ([]domain.RowResult, int64, error) {
	if _, err := s.get(ctx, owner, jobID); err != nil {
		return nil, 0, err
	}
	return s.results.ListResults(ctx, jobID, filter)
}

// Recompute re-runs the profitability calculation over a finished job's
// results with the current thresholds. Provider data is not refetched.
// Returns the number of results updated.
func (s *JobService) Recompute(ctx context.Context, owner, jobID string) (int, error) {
	job, err := s.get(ctx, owner, jobID)
	if err != nil {
		return 0, err
	}
	if !job.Status.IsTerminal() {
		return 0, ErrJobNotTerminal
	}

	updated := 0
	err = s.results.EachResult(ctx, jobID, 500, func(batch []domain.RowResult) error {
		for _, r := range batch {
			if r.Status != domain.RowStatusSucceeded || r.Price <= 0 {
				continue
			}
			prof := s.calc.Compute(r.Cost, r.Price, r.FeesTotal)
			if err := s.results.UpdateProfitability(ctx, r.ID, prof); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return updated, fmt.Errorf("failed to recompute results: %w", err)
	}

	s.log(logger.SetJobID(ctx, jobID)).WithField(logger.FieldCount, updated).Info("Profitability recomputed")
	return updated, nil
}

// List returns an owner's jobs, newest first.
func (s *JobService) List(ctx context.Context, owner string, limit, offset int) ([]domain.Job, error) {
	return s.jobs.ListByOwner(ctx, owner, limit, offset)
}

// get loads a job visible to owner. An empty owner sees every job.
func (s *JobService) get(ctx context.Context, owner, jobID string) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if owner != "" && job.Owner != owner {
		return nil, ErrJobNotFound
	}
	return job, nil
}
