// Package ingestion drives per-location spreadsheets through the staged
// promotion into properties and violations.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service creates ingestion jobs and reports their status.
type Service interface {
	CreateJob(ctx context.Context, in CreateJobInput) (*models.IngestionJob, error)
	// Upload stores a single-location file and queues one job for it.
	Upload(ctx context.Context, in UploadInput) (*models.IngestionJob, error)
	Status(ctx context.Context, ownerID, jobID uuid.UUID) (*JobStatus, error)
}

type CreateJobInput struct {
	OwnerID        uuid.UUID
	BatchID        *uuid.UUID
	SourceHandle   string
	FileName       string
	LocationKey    string
	FallbackCity   string
	FallbackState  string
	FallbackCounty string
}

type UploadInput struct {
	OwnerID        uuid.UUID
	FileName       string
	ContentType    string
	Body           io.Reader
	FallbackCity   string
	FallbackState  string
	FallbackCounty string
}

// JobStatus is the externally visible view of an ingestion job.
type JobStatus struct {
	ID                uuid.UUID                `json:"id"`
	BatchID           *uuid.UUID               `json:"batch_id,omitempty"`
	FileName          string                   `json:"file_name"`
	LocationKey       string                   `json:"location_key,omitempty"`
	Status            enums.IngestionJobStatus `json:"status"`
	TotalRows         int                      `json:"total_rows"`
	ProcessedRows     int                      `json:"processed_rows"`
	FailedRows        int                      `json:"failed_rows"`
	PropertiesCreated int                      `json:"properties_created"`
	ViolationsCreated int                      `json:"violations_created"`
	Warnings          []string                 `json:"warnings"`
	Error             *string                  `json:"error,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	StartedAt         *time.Time               `json:"started_at,omitempty"`
	FinishedAt        *time.Time               `json:"finished_at,omitempty"`
}

func NewJobStatus(job models.IngestionJob) JobStatus {
	warnings := []string(job.Warnings)
	if warnings == nil {
		warnings = []string{}
	}
	return JobStatus{
		ID:                job.ID,
		BatchID:           job.BatchID,
		FileName:          job.FileName,
		LocationKey:       job.LocationKey,
		Status:            job.Status,
		TotalRows:         job.TotalRows,
		ProcessedRows:     job.ProcessedRows,
		FailedRows:        job.FailedRows,
		PropertiesCreated: job.PropertiesCreated,
		ViolationsCreated: job.ViolationsCreated,
		Warnings:          warnings,
		Error:             job.Error,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		FinishedAt:        job.FinishedAt,
	}
}

// ServiceParams groups the collaborators of NewService.
type ServiceParams struct {
	Tx     txRunner
	Repo   Repository
	Events jobevents.Appender
	Outbox outboxPublisher
	Blobs  storage.BlobStore
}

type service struct {
	tx     txRunner
	repo   Repository
	events jobevents.Appender
	outbox outboxPublisher
	blobs  storage.BlobStore
}

func NewService(p ServiceParams) (Service, error) {
	if p.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if p.Repo == nil {
		return nil, fmt.Errorf("ingestion repository required")
	}
	if p.Events == nil {
		return nil, fmt.Errorf("job event appender required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if p.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	return &service{tx: p.Tx, repo: p.Repo, events: p.Events, outbox: p.Outbox, blobs: p.Blobs}, nil
}

// CreateJob writes the job row, its queued event and the dispatch message in
// one transaction.
func (s *service) CreateJob(ctx context.Context, in CreateJobInput) (*models.IngestionJob, error) {
	if in.OwnerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	if strings.TrimSpace(in.SourceHandle) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source handle is required")
	}
	if strings.TrimSpace(in.FileName) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file name is required")
	}
	if in.LocationKey != "" {
		city, state := location.SplitKey(in.LocationKey)
		if city == "" || location.NormalizeState(state) == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid location key")
		}
	}

	job := &models.IngestionJob{
		ID:             uuid.New(),
		OwnerID:        in.OwnerID,
		BatchID:        in.BatchID,
		SourceHandle:   in.SourceHandle,
		FileName:       in.FileName,
		LocationKey:    in.LocationKey,
		FallbackCity:   optional(in.FallbackCity),
		FallbackState:  optional(strings.ToUpper(in.FallbackState)),
		FallbackCounty: optional(in.FallbackCounty),
		Status:         enums.IngestionJobQueued,
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).CreateJob(ctx, job); err != nil {
			return err
		}
		if _, err := s.events.Append(ctx, tx, jobevents.AppendInput{
			JobID:   job.ID,
			OwnerID: job.OwnerID,
			Kind:    enums.JobKindIngestion,
			Type:    enums.JobEventQueued,
			Payload: map[string]any{"file_name": job.FileName, "location_key": job.LocationKey},
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventIngestionJobQueued,
			AggregateType: enums.AggregateIngestionJob,
			AggregateID:   job.ID,
			Actor:         &outbox.ActorRef{UserID: in.OwnerID},
			Data: payloads.IngestionJobQueuedEvent{
				JobID:        job.ID,
				OwnerID:      job.OwnerID,
				BatchID:      job.BatchID,
				SourceHandle: job.SourceHandle,
				LocationKey:  job.LocationKey,
			},
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create ingestion job")
	}
	return job, nil
}

func (s *service) Upload(ctx context.Context, in UploadInput) (*models.IngestionJob, error) {
	if in.OwnerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	if in.Body == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is required")
	}
	name := path.Base(strings.TrimSpace(in.FileName))
	if name == "" || name == "." || name == "/" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file name is required")
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}

	handle, err := s.blobs.Put(ctx, path.Join("ingestion", in.OwnerID.String(), uuid.NewString(), name), contentType, in.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store upload")
	}
	return s.CreateJob(ctx, CreateJobInput{
		OwnerID:        in.OwnerID,
		SourceHandle:   handle,
		FileName:       name,
		FallbackCity:   in.FallbackCity,
		FallbackState:  in.FallbackState,
		FallbackCounty: in.FallbackCounty,
	})
}

func (s *service) Status(ctx context.Context, ownerID, jobID uuid.UUID) (*JobStatus, error) {
	job, err := s.repo.FindJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ingestion job not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ingestion job")
	}
	if job.OwnerID != ownerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ingestion job not found")
	}
	status := NewJobStatus(*job)
	return &status, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
