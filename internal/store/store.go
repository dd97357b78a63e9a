package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tessia-project/jobscheduler/internal/domain"
	"github.com/tessia-project/jobscheduler/pkg/errors"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

// Store is the gorm-backed Job/Request persistence layer. The scheduler
// loop is its only writer; the CLI and any future API layer only read
// through it or enqueue Requests.
type Store struct {
	db *gorm.DB
}

// Open connects to the data store named by url and returns a ready
// Store. A "sqlite://" prefix (as the tests use) or a bare path ending
// in .db selects the sqlite driver; anything else is handed to the
// postgres driver as a DSN.
func Open(url string) (*Store, error) {
	dialector, err := dialectorFor(url)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		stdLogWriter{},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.WrapConfigError("db.url", fmt.Errorf("connecting to data store: %w", err))
	}
	return &Store{db: db}, nil
}

func dialectorFor(url string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.HasSuffix(url, ".db"):
		return sqlite.Open(url), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(url), nil
	case url == "":
		return nil, errors.WrapConfigError("db.url", fmt.Errorf("empty data store URL"))
	default:
		return postgres.Open(url), nil
	}
}

// stdLogWriter adapts gorm's logger.Writer interface to this package's
// structured logger instead of pulling gorm's default stdlib logger in.
type stdLogWriter struct{}

func (stdLogWriter) Printf(format string, args ...interface{}) {
	logger.WithField("component", "gorm").Debug(fmt.Sprintf(format, args...))
}

// AutoMigrate creates or updates the job and request tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&jobRow{}, &requestRow{})
}

// DB exposes the underlying *gorm.DB for callers (e.g. cmd/jobctl) that
// need ad-hoc queries this interface does not cover.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	row := jobToRow(job)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.WrapJobError(job.ID, "create", err)
	}
	return nil
}

// UpdateJob persists the full current state of job.
func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	row := jobToRow(job)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return errors.WrapJobError(job.ID, "update", err)
	}
	return nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.WrapJobError(id, "get", errors.ErrJobNotFound)
		}
		return nil, errors.WrapJobError(id, "get", err)
	}
	return rowToJob(&row), nil
}

// ListWaitingJobs returns every job in WAITING state, oldest submit_date
// first — the order the scheduler's initManager needs to replay wait-queue insertion
// in the same order the jobs were originally enqueued.
func (s *Store) ListWaitingJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.listJobsByState(ctx, string(domain.JobWaiting))
}

// ListActiveJobs returns every job in RUNNING or CLEANINGUP state.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("state IN ?", []string{string(domain.JobRunning), string(domain.JobCleaningUp)}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	return rowsToJobs(rows), nil
}

func (s *Store) listJobsByState(ctx context.Context, state string) ([]*domain.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("state = ?", state).
		Order("submit_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing jobs in state %s: %w", state, err)
	}
	return rowsToJobs(rows), nil
}

func rowsToJobs(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rowToJob(&rows[i])
	}
	return jobs
}

// CreateRequest inserts a new request row.
func (s *Store) CreateRequest(ctx context.Context, req *domain.Request) error {
	row := requestToRow(req)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.WrapRequestError(req.ID, "create", err)
	}
	return nil
}

// UpdateRequest persists the full current state of req.
func (s *Store) UpdateRequest(ctx context.Context, req *domain.Request) error {
	row := requestToRow(req)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return errors.WrapRequestError(req.ID, "update", err)
	}
	return nil
}

// ListPendingRequests returns every PENDING request, oldest first — the
// order the scheduling loop must process them in.
func (s *Store) ListPendingRequests(ctx context.Context) ([]*domain.Request, error) {
	var rows []requestRow
	err := s.db.WithContext(ctx).
		Where("state = ?", string(domain.RequestPending)).
		Order("submit_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}
	reqs := make([]*domain.Request, len(rows))
	for i := range rows {
		reqs[i] = rowToRequest(&rows[i])
	}
	return reqs, nil
}

// GetRequest fetches a single request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.WrapRequestError(id, "get", errors.ErrRequestNotFound)
		}
		return nil, errors.WrapRequestError(id, "get", err)
	}
	return rowToRequest(&row), nil
}
