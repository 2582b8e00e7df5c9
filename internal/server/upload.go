package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagestore/internal/batch"
	"imagestore/internal/ingest"
	"imagestore/internal/models"
)

type imageInfo struct {
	UUID         string         `json:"uuid"`
	OriginalName string         `json:"original_name"`
	UserPath     string         `json:"user_path"`
	FileSize     int64          `json:"file_size"`
	Format       string         `json:"format"`
	Dimensions   map[string]int `json:"dimensions"`
	UploadTime   string         `json:"upload_time"`
	AccessURL    string         `json:"access_url,omitempty"`
}

func toImageInfo(rec *models.ImageRecord, withURL bool) imageInfo {
	info := imageInfo{
		UUID:         rec.UUID,
		OriginalName: rec.OriginalName,
		UserPath:     rec.UserPath,
		FileSize:     rec.FileSize,
		Format:       rec.Format,
		Dimensions:   map[string]int{"width": rec.Width, "height": rec.Height},
		UploadTime:   rec.UploadTime.UTC().Format("2006-01-02T15:04:05.999999Z07:00"),
	}
	if withURL {
		info.AccessURL = accessURL(rec.UUID)
	}
	return info
}

func accessURL(id string) string {
	return apiPrefix + "/images/" + id
}

// checkUserPath enforces that the caller writes below its allowed prefix.
func checkUserPath(userPath string, keyCfg models.APIKey) error {
	if strings.TrimSpace(userPath) == "" {
		return badRequest("INVALID_PATH", "Invalid user path", "user_path is required")
	}
	for _, seg := range strings.Split(strings.ReplaceAll(userPath, "\\", "/"), "/") {
		if seg == ".." {
			return badRequest("INVALID_PATH", "Invalid user path", "user_path must not contain '..' segments")
		}
	}
	if !strings.HasPrefix(userPath, keyCfg.AllowedPrefix) {
		return models.Forbidden("PATH_FORBIDDEN", "Path access denied",
			fmt.Sprintf("Path must start with '%s'", keyCfg.AllowedPrefix))
	}
	return nil
}

// readPart reads at most limit+1 bytes so oversized files are still
// reported as too large without buffering them whole.
func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit+1))
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"
	apiKey, keyCfg := caller(c)

	userPath := c.PostForm("user_path")
	if err := checkUserPath(userPath, keyCfg); err != nil {
		s.writeError(c, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, badRequest("INVALID_REQUEST", "Missing file", "multipart field 'file' is required"))
		return
	}
	data, err := readPart(fh, s.cfg.Upload.MaxFileSize)
	if err != nil {
		s.writeError(c, fmt.Errorf("%s: %w", op, err))
		return
	}

	rec, err := s.worker.Ingest(c.Request.Context(), ingest.Upload{
		Filename: fh.Filename,
		Data:     data,
		UserPath: userPath,
		OwnerKey: apiKey,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"images":  []imageInfo{toImageInfo(rec, true)},
	})
}

func (s *Server) handleBatchUpload(c *gin.Context) {
	const op = "server.handleBatchUpload"
	apiKey, keyCfg := caller(c)

	userPath := c.PostForm("user_path")
	if err := checkUserPath(userPath, keyCfg); err != nil {
		s.writeError(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		s.writeError(c, badRequest("INVALID_REQUEST", "Invalid multipart form", err.Error()))
		return
	}
	parts := form.File["files"]
	if len(parts) == 0 {
		parts = form.File["files[]"]
	}
	if len(parts) == 0 {
		s.writeError(c, badRequest("NO_FILES", "No files provided", "multipart field 'files' is required"))
		return
	}
	if len(parts) > s.cfg.Upload.MaxBatchSize {
		s.writeError(c, badRequest("TOO_MANY_FILES", "Too many files",
			fmt.Sprintf("Maximum %d files allowed", s.cfg.Upload.MaxBatchSize)))
		return
	}

	webhookURL := strings.TrimSpace(c.PostForm("webhook_url"))
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			s.writeError(c, badRequest("INVALID_WEBHOOK_URL", "Invalid webhook URL", "webhook_url must be an absolute http or https URL"))
			return
		}
	}
	var headers map[string]string
	if raw := strings.TrimSpace(c.PostForm("webhook_headers")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			s.writeError(c, badRequest("INVALID_WEBHOOK_HEADERS", "Invalid webhook headers",
				"webhook_headers must be a JSON object of string values"))
			return
		}
	}

	// Multipart temp files are gone once the handler returns.
	files := make([]ingest.File, 0, len(parts))
	for _, fh := range parts {
		data, err := readPart(fh, s.cfg.Upload.MaxFileSize)
		if err != nil {
			s.writeError(c, fmt.Errorf("%s: read %q: %w", op, fh.Filename, err))
			return
		}
		files = append(files, ingest.File{Filename: fh.Filename, Data: data})
	}

	batchID := "batch-" + uuid.NewString()
	if err := s.tracker.Register(batchID, len(files), webhookURL, headers); err != nil {
		s.writeError(c, fmt.Errorf("%s: %w", op, err))
		return
	}

	req := ingest.BatchRequest{
		BatchID:  batchID,
		Files:    files,
		UserPath: userPath,
		OwnerKey: apiKey,
	}
	err = s.runner.Go("batch "+batchID, func(ctx context.Context) {
		s.worker.RunBatch(ctx, req)
	})
	if err != nil {
		s.tracker.Discard(batchID)
		s.writeError(c, models.Unavailable("SERVICE_UNAVAILABLE", "Service is shutting down",
			"Batch uploads are not accepted during shutdown"))
		return
	}
	s.logger.Info("batch registered",
		zap.String("batch_id", batchID),
		zap.Int("total", len(files)),
		zap.Bool("webhook", webhookURL != ""),
	)

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"batch_id":     batchID,
		"status":       string(batch.StatusProcessing),
		"total_files":  len(files),
		"progress_url": fmt.Sprintf("%s/batch/%s/progress", apiPrefix, batchID),
	})
}

type progressResponse struct {
	BatchID                string           `json:"batch_id"`
	Total                  int              `json:"total"`
	Completed              int              `json:"completed"`
	Failed                 int              `json:"failed"`
	Status                 string           `json:"status"`
	ProgressPercentage     float64          `json:"progress_percentage"`
	EstimatedTimeRemaining *string          `json:"estimated_time_remaining"`
	Results                []models.Outcome `json:"results"`
}

func (s *Server) handleBatchProgress(c *gin.Context) {
	id := c.Param("batch_id")
	job, err := s.tracker.Snapshot(id)
	if err != nil {
		s.writeError(c, models.NotFoundFault("BATCH_NOT_FOUND", "Batch not found",
			fmt.Sprintf("Batch ID %s does not exist", id)))
		return
	}

	resp := progressResponse{
		BatchID:            job.ID,
		Total:              job.Total,
		Completed:          job.Completed,
		Failed:             job.Failed,
		Status:             string(job.Status),
		ProgressPercentage: job.ProgressPercentage(),
		Results:            job.Results,
	}
	if resp.Results == nil {
		resp.Results = []models.Outcome{}
	}
	if eta, ok := job.EstimatedRemaining(time.Now().UTC()); ok {
		text := fmt.Sprintf("%d seconds", int(eta.Seconds()))
		resp.EstimatedTimeRemaining = &text
	}
	c.JSON(http.StatusOK, resp)
}
