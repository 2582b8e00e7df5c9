package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagestore/internal/cache"
	"imagestore/internal/events"
	"imagestore/internal/models"
	"imagestore/internal/transform"
	"imagestore/internal/validator"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	cacheControl     = "public, max-age=3600"
)

// lookupOwned loads the record for id and checks it belongs to owner.
func (s *Server) lookupOwned(ctx context.Context, id, owner, verb string) (*models.ImageRecord, error) {
	rec, err := s.meta.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NotFoundFault("IMAGE_NOT_FOUND", "Image not found",
			fmt.Sprintf("Image with UUID %s does not exist", id))
	}
	if err != nil {
		return nil, models.StorageFault("Failed to load image metadata", err)
	}
	if rec.OwnerKey != owner {
		return nil, models.Forbidden("ACCESS_DENIED", "Access denied",
			fmt.Sprintf("You do not have permission to %s this image", verb))
	}
	return rec, nil
}

// parseTransform reads width, height, quality, format and mode from the
// query. requested is false when none of the first four is present.
func (s *Server) parseTransform(c *gin.Context) (spec models.TransformSpec, requested bool, err error) {
	dims := []struct {
		name string
		dst  *int
	}{
		{"width", &spec.Width},
		{"height", &spec.Height},
	}
	for _, d := range dims {
		raw, ok := c.GetQuery(d.name)
		if !ok {
			continue
		}
		v, perr := strconv.Atoi(raw)
		if perr != nil {
			return spec, false, validator.ValidateDimension(d.name, 0)
		}
		if err := validator.ValidateDimension(d.name, v); err != nil {
			return spec, false, err
		}
		*d.dst = v
		requested = true
	}

	if raw, ok := c.GetQuery("quality"); ok {
		q, perr := strconv.Atoi(raw)
		if perr != nil {
			q = 0
		}
		if err := validator.ValidateQuality(q); err != nil {
			return spec, false, err
		}
		spec.Quality = q
		requested = true
	}

	spec.Mode = s.cfg.Upload.DefaultMode
	if raw, ok := c.GetQuery("mode"); ok {
		if err := validator.ValidateMode(raw); err != nil {
			return spec, false, err
		}
		spec.Mode = models.ResizeMode(raw)
	}

	if raw, ok := c.GetQuery("format"); ok && raw != "" {
		f, err := transform.NormalizeFormat(raw)
		if err != nil {
			return spec, false, err
		}
		spec.Format = f
		requested = true
	}
	return spec, requested, nil
}

func (s *Server) readBlob(ctx context.Context, rec *models.ImageRecord) ([]byte, error) {
	data, err := s.blobs.Read(ctx, rec.FilePath)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NotFoundFault("IMAGE_NOT_FOUND", "Image not found",
			fmt.Sprintf("Stored file for image %s is missing", rec.UUID))
	}
	if err != nil {
		return nil, models.StorageFault("Failed to read image", err)
	}
	return data, nil
}

func (s *Server) handleGetImage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("uuid")
	apiKey, _ := caller(c)

	spec, requested, err := s.parseTransform(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	rec, err := s.lookupOwned(ctx, id, apiKey, "access")
	if err != nil {
		s.writeError(c, err)
		return
	}

	if !requested {
		data, err := s.readBlob(ctx, rec)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Header("Cache-Control", cacheControl)
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", rec.OriginalName))
		c.Data(http.StatusOK, transform.ContentType(rec.Format), data)
		return
	}

	key := cache.VariantKey(rec.UUID, spec)
	variant, hit := s.cache.Get(ctx, key)
	if !hit {
		data, err := s.readBlob(ctx, rec)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out, format, err := s.engine.Transform(data, spec)
		if err != nil {
			s.writeError(c, err)
			return
		}
		variant = cache.Variant{Format: format, Data: out}
		if err := s.cache.Set(ctx, key, variant); err != nil {
			s.logger.Warn("failed to cache variant", zap.String("key", key), zap.Error(err))
		}
	}

	c.Header("Cache-Control", cacheControl)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=\"%s.%s\"", rec.UUID, variant.Format))
	c.Data(http.StatusOK, transform.ContentType(variant.Format), variant.Data)
}

func (s *Server) handleInfo(c *gin.Context) {
	apiKey, _ := caller(c)
	rec, err := s.lookupOwned(c.Request.Context(), c.Param("uuid"), apiKey, "access")
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toImageInfo(rec, false))
}

func (s *Server) handleList(c *gin.Context) {
	apiKey, _ := caller(c)

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		s.writeError(c, badRequest("INVALID_PARAMETER", "Invalid page parameter", "page must be a positive integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit < 1 || limit > maxPageLimit {
		s.writeError(c, badRequest("INVALID_PARAMETER", "Invalid limit parameter",
			fmt.Sprintf("limit must be between 1 and %d", maxPageLimit)))
		return
	}

	recs, err := s.meta.ListByOwner(c.Request.Context(), models.ListQuery{
		OwnerKey:   apiKey,
		PathPrefix: c.Query("user_path"),
		Offset:     (page - 1) * limit,
		Limit:      limit,
	})
	if err != nil {
		s.writeError(c, models.StorageFault("Failed to list images", err))
		return
	}

	images := make([]imageInfo, 0, len(recs))
	for i := range recs {
		images = append(images, toImageInfo(&recs[i], true))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"images":  images,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": len(images),
		},
	})
}

type deleteResult struct {
	fileDeleted     bool
	metadataDeleted bool
}

func (r deleteResult) ok() bool {
	return r.fileDeleted && r.metadataDeleted
}

func (r deleteResult) details() gin.H {
	return gin.H{"file_deleted": r.fileDeleted, "metadata_deleted": r.metadataDeleted}
}

// deleteImage removes the blob and the record of an owned image. Partial
// failures are reported in the result, not as an error.
func (s *Server) deleteImage(ctx context.Context, id, owner string) (deleteResult, error) {
	rec, err := s.lookupOwned(ctx, id, owner, "delete")
	if err != nil {
		return deleteResult{}, err
	}

	var res deleteResult
	res.fileDeleted, err = s.blobs.Delete(ctx, rec.FilePath)
	if err != nil {
		s.logger.Error("failed to delete blob", zap.String("uuid", id), zap.String("path", rec.FilePath), zap.Error(err))
	}
	res.metadataDeleted, err = s.meta.Delete(ctx, id)
	if err != nil {
		s.logger.Error("failed to delete metadata", zap.String("uuid", id), zap.Error(err))
	}

	if res.metadataDeleted {
		if err := s.publisher.Publish(ctx, events.Event{
			Type:     events.TypeImageDeleted,
			Key:      id,
			OwnerKey: owner,
			UserPath: rec.UserPath,
			FilePath: rec.FilePath,
		}); err != nil {
			s.logger.Warn("failed to publish event", zap.String("type", events.TypeImageDeleted), zap.Error(err))
		}
	}
	return res, nil
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	apiKey, _ := caller(c)
	id := c.Param("uuid")

	res, err := s.deleteImage(c.Request.Context(), id, apiKey)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !res.ok() {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "Image deletion partially failed",
			"uuid":    id,
			"details": res.details(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Image deleted successfully",
		"uuid":    id,
	})
}

type batchDeleteRequest struct {
	UUIDs []string `json:"uuids" binding:"required"`
}

func (s *Server) handleBatchDelete(c *gin.Context) {
	apiKey, _ := caller(c)

	var req batchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("INVALID_REQUEST", "Invalid request body", err.Error()))
		return
	}

	results := make([]gin.H, 0, len(req.UUIDs))
	successful := 0
	for _, id := range req.UUIDs {
		res, err := s.deleteImage(c.Request.Context(), id, apiKey)
		switch {
		case err != nil:
			results = append(results, gin.H{"uuid": id, "success": false, "error": models.AsServiceError(err).Message})
		case !res.ok():
			results = append(results, gin.H{"uuid": id, "success": false, "error": "Deletion partially failed", "details": res.details()})
		default:
			successful++
			results = append(results, gin.H{"uuid": id, "success": true, "message": "Deleted successfully"})
		}
	}

	total := len(req.UUIDs)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Batch deletion completed: %d/%d successful", successful, total),
		"results": results,
		"summary": gin.H{
			"total":      total,
			"successful": successful,
			"failed":     total - successful,
		},
	})
}
