// Package ingest stores uploaded images and drives batch uploads to
// completion.
package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagestore/internal/batch"
	"imagestore/internal/events"
	"imagestore/internal/models"
	"imagestore/internal/storage"
	"imagestore/internal/transform"
	"imagestore/internal/validator"
	"imagestore/internal/webhook"
)

const defaultExtension = "jpg"

// Upload is one file to store on behalf of OwnerKey.
type Upload struct {
	Filename string
	Data     []byte
	UserPath string
	OwnerKey string
}

type File struct {
	Filename string
	Data     []byte
}

// BatchRequest carries the files of a batch already registered with the
// tracker under BatchID.
type BatchRequest struct {
	BatchID  string
	Files    []File
	UserPath string
	OwnerKey string
}

type Worker struct {
	validator *validator.Validator
	engine    *transform.Engine
	meta      storage.MetadataStore
	blobs     storage.BlobStore
	tracker   *batch.Tracker
	notifier  *webhook.Notifier
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewWorker(
	v *validator.Validator,
	engine *transform.Engine,
	meta storage.MetadataStore,
	blobs storage.BlobStore,
	tracker *batch.Tracker,
	notifier *webhook.Notifier,
	publisher events.Publisher,
	logger *zap.Logger,
) *Worker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Worker{
		validator: v,
		engine:    engine,
		meta:      meta,
		blobs:     blobs,
		tracker:   tracker,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest validates and stores a single file. The returned error is a
// *models.ServiceError.
func (w *Worker) Ingest(ctx context.Context, up Upload) (*models.ImageRecord, error) {
	if err := w.validator.Validate(up.Data, up.Filename); err != nil {
		return nil, err
	}
	info, err := w.engine.Measure(up.Data)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	name := SanitizeFilename(up.Filename)
	ext := validator.Extension(name)
	if ext == "" {
		ext = defaultExtension
	}
	filePath := StoragePath(up.UserPath, id, ext)

	if err := w.blobs.Save(ctx, filePath, up.Data); err != nil {
		return nil, models.StorageFault("Failed to store image", err)
	}

	rec := &models.ImageRecord{
		UUID:         id,
		FilePath:     filePath,
		OriginalName: name,
		OwnerKey:     up.OwnerKey,
		UserPath:     up.UserPath,
		FileSize:     int64(len(up.Data)),
		Format:       info.Format,
		Width:        info.Width,
		Height:       info.Height,
		UploadTime:   w.now(),
	}
	if err := w.meta.Put(ctx, rec); err != nil {
		if _, derr := w.blobs.Delete(ctx, filePath); derr != nil {
			w.logger.Warn("failed to remove orphaned blob", zap.String("path", filePath), zap.Error(derr))
		}
		return nil, models.StorageFault("Failed to save image metadata", err)
	}

	w.publish(ctx, events.Event{
		Type:      events.TypeImageUploaded,
		Key:       rec.UUID,
		OwnerKey:  rec.OwnerKey,
		UserPath:  rec.UserPath,
		FilePath:  rec.FilePath,
		SizeBytes: rec.FileSize,
		Format:    rec.Format,
	})
	return rec, nil
}

// RunBatch ingests the files of req in order, recording one outcome per
// file. A failing file never stops the batch. Webhook delivery results do
// not affect the outcomes.
func (w *Worker) RunBatch(ctx context.Context, req BatchRequest) {
	log := w.logger.With(zap.String("batch_id", req.BatchID))

	job, err := w.tracker.Snapshot(req.BatchID)
	if err != nil {
		log.Error("batch is not registered", zap.Error(err))
		return
	}
	log.Info("batch started", zap.Int("total", job.Total))

	step := max(1, job.Total/10)
	for i, f := range req.Files {
		outcome := w.ingestFile(ctx, req, f)
		if !outcome.OK() {
			log.Warn("file failed", zap.String("filename", outcome.Filename), zap.String("error", outcome.Error))
		}
		if err := w.tracker.RecordOutcome(req.BatchID, outcome); err != nil {
			log.Error("failed to record outcome", zap.Error(err))
			continue
		}

		if job.WebhookURL != "" && (i+1)%step == 0 {
			w.sendProgress(ctx, req, job)
		}
	}

	if err := w.tracker.Finish(req.BatchID); err != nil {
		log.Error("failed to finish batch", zap.Error(err))
		return
	}
	final, err := w.tracker.Snapshot(req.BatchID)
	if err != nil {
		log.Error("batch disappeared before completion", zap.Error(err))
		return
	}
	log.Info("batch completed",
		zap.Int("completed", final.Completed),
		zap.Int("failed", final.Failed),
		zap.Duration("elapsed", final.EndTime.Sub(final.StartTime)),
	)

	if final.WebhookURL != "" {
		ev := webhook.CompletedEvent(final.ID, webhook.BatchResults{
			BatchID:   final.ID,
			Total:     final.Total,
			Completed: final.Completed,
			Failed:    final.Failed,
			Results:   final.Results,
			StartTime: final.StartTime.Format(time.RFC3339Nano),
			EndTime:   final.EndTime.Format(time.RFC3339Nano),
		}, req.OwnerKey)
		w.notifier.Deliver(ctx, final.WebhookURL, ev, final.WebhookHeaders)
	}

	w.publish(ctx, events.Event{
		Type:      events.TypeBatchCompleted,
		Key:       final.ID,
		OwnerKey:  req.OwnerKey,
		UserPath:  req.UserPath,
		Completed: final.Completed,
		Failed:    final.Failed,
	})
}

// ingestFile turns every fault, panics included, into a failed outcome.
func (w *Worker) ingestFile(ctx context.Context, req BatchRequest, f File) (outcome models.Outcome) {
	name := SanitizeFilename(f.Filename)
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("panic while ingesting file",
				zap.String("batch_id", req.BatchID),
				zap.String("filename", name),
				zap.Any("panic", p),
			)
			outcome = models.Failed(name, fmt.Errorf("internal error: %v", p))
		}
	}()

	rec, err := w.Ingest(ctx, Upload{
		Filename: f.Filename,
		Data:     f.Data,
		UserPath: req.UserPath,
		OwnerKey: req.OwnerKey,
	})
	if err != nil {
		return models.Failed(name, err)
	}
	return models.Succeeded(rec.UUID, rec.OriginalName)
}

func (w *Worker) sendProgress(ctx context.Context, req BatchRequest, job batch.Job) {
	snap, err := w.tracker.Snapshot(req.BatchID)
	if err != nil {
		return
	}
	ev := webhook.ProgressEvent(snap.ID, string(snap.Status), webhook.Progress{
		Total:              snap.Total,
		Completed:          snap.Completed,
		Failed:             snap.Failed,
		ProgressPercentage: snap.ProgressPercentage(),
	}, req.OwnerKey)
	w.notifier.Deliver(ctx, job.WebhookURL, ev, job.WebhookHeaders)
}

func (w *Worker) publish(ctx context.Context, ev events.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = w.now()
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		w.logger.Warn("failed to publish event",
			zap.String("type", ev.Type),
			zap.String("key", ev.Key),
			zap.Error(err),
		)
	}
}

var filenameReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_",
	"|", "_", "?", "_", "*", "_", "\x00", "_",
)

// SanitizeFilename drops any directory part of name and replaces the
// characters <>:"|?* and NUL with underscores.
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case ".", "..", "/":
		base = "unnamed"
	}
	return filenameReplacer.Replace(base)
}

// StoragePath is the blob path of an image: {user_path}/{uuid}.{ext}.
func StoragePath(userPath, id, ext string) string {
	return path.Join(strings.Trim(userPath, "/"), id+"."+ext)
}
