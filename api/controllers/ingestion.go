package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/api/responses"
	"github.com/angelmondragon/propwatch-backend/api/validators"
	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

const (
	uploadFormField   = "file"
	fallbackMaxLength = 120
)

type ingestionUploader interface {
	Upload(ctx context.Context, in ingestion.UploadInput) (*models.IngestionJob, error)
}

type ingestionStatusReader interface {
	Status(ctx context.Context, ownerID, jobID uuid.UUID) (*ingestion.JobStatus, error)
}

type batchSubmitter interface {
	Submit(ctx context.Context, in ingestion.SubmitInput) (*ingestion.SubmitResult, error)
	Preview(fileName string, body io.Reader, fallbackCity, fallbackState string) (*location.Result, error)
}

type progressAggregator interface {
	Aggregate(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (*ingestion.Snapshot, error)
}

type progressWatcher interface {
	Watch(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (<-chan ingestion.Snapshot, error)
}

type uploadForm struct {
	fileName       string
	contentType    string
	file           multipart.File
	fallbackCity   string
	fallbackState  string
	fallbackCounty string
}

// readUpload parses the multipart body; callers must close form.file.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (*uploadForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid multipart upload").
			WithDetails(map[string]any{"max_bytes": maxBytes})
	}
	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "file is required")
	}
	return &uploadForm{
		fileName:       header.Filename,
		contentType:    header.Header.Get("Content-Type"),
		file:           file,
		fallbackCity:   validators.SanitizeString(r.FormValue("fallback_city"), fallbackMaxLength),
		fallbackState:  validators.SanitizeString(r.FormValue("fallback_state"), fallbackMaxLength),
		fallbackCounty: validators.SanitizeString(r.FormValue("fallback_county"), fallbackMaxLength),
	}, nil
}

// CreateIngestionJob stores a single-location file and queues one job for it.
func CreateIngestionJob(svc ingestionUploader, maxBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		form, err := readUpload(w, r, maxBytes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		defer form.file.Close()

		job, err := svc.Upload(r.Context(), ingestion.UploadInput{
			OwnerID:        userID,
			FileName:       form.fileName,
			ContentType:    form.contentType,
			Body:           form.file,
			FallbackCity:   form.fallbackCity,
			FallbackState:  form.fallbackState,
			FallbackCounty: form.fallbackCounty,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, ingestion.NewJobStatus(*job))
	}
}

// SubmitIngestionUpload splits a multi-location file and queues a job per group.
func SubmitIngestionUpload(orch batchSubmitter, maxBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		form, err := readUpload(w, r, maxBytes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		defer form.file.Close()

		result, err := orch.Submit(r.Context(), ingestion.SubmitInput{
			OwnerID:        userID,
			FileName:       form.fileName,
			Body:           form.file,
			FallbackCity:   form.fallbackCity,
			FallbackState:  form.fallbackState,
			FallbackCounty: form.fallbackCounty,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, result)
	}
}

type splitGroupView struct {
	Key          string `json:"key"`
	City         string `json:"city"`
	State        string `json:"state"`
	Rows         int    `json:"rows"`
	FallbackRows int    `json:"fallback_rows"`
}

type splitPreviewView struct {
	Groups      []splitGroupView     `json:"groups"`
	SkippedRows int                  `json:"skipped_rows"`
	TotalRows   int                  `json:"total_rows"`
	Candidates  []location.Candidate `json:"candidates"`
}

func newSplitPreviewView(res *location.Result) splitPreviewView {
	view := splitPreviewView{
		Groups:      make([]splitGroupView, 0, len(res.Groups)),
		SkippedRows: res.SkippedRows,
		TotalRows:   res.TotalRows,
		Candidates:  res.Candidates,
	}
	if view.Candidates == nil {
		view.Candidates = []location.Candidate{}
	}
	for _, key := range res.Keys() {
		g := res.Groups[key]
		view.Groups = append(view.Groups, splitGroupView{
			Key:          g.Key,
			City:         g.City,
			State:        g.State,
			Rows:         len(g.Rows),
			FallbackRows: g.FallbackRows,
		})
	}
	return view
}

// SplitPreview reports how an upload would be partitioned without storing it.
func SplitPreview(orch batchSubmitter, maxBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := callerID(r); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		form, err := readUpload(w, r, maxBytes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		defer form.file.Close()

		res, err := orch.Preview(form.fileName, form.file, form.fallbackCity, form.fallbackState)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSplitPreviewView(res))
	}
}

func GetIngestionJob(svc ingestionStatusReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		jobID, err := uuidParam(r, "jobId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := svc.Status(r.Context(), userID, jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

func IngestionProgress(agg progressAggregator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ids, err := idsQuery(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		snap, err := agg.Aggregate(r.Context(), userID, ids)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, snap)
	}
}

// IngestionProgressStream pushes snapshots as server-sent events until every
// job settles or the client goes away.
func IngestionProgressStream(watcher progressWatcher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ids, err := idsQuery(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "streaming unsupported"))
			return
		}
		snapshots, err := watcher.Watch(r.Context(), userID, ids)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var last *ingestion.Snapshot
		for snap := range snapshots {
			if err := writeEvent(w, "progress", snap); err != nil {
				logg.Warn(logg.WithField(r.Context(), "error", err.Error()), "progress stream write failed")
				return
			}
			flusher.Flush()
			last = &snap
		}
		if last != nil && last.Done() {
			_ = writeEvent(w, "done", last)
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, strings.TrimSpace(string(payload)))
	return err
}
