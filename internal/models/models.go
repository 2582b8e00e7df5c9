// internal/models/models.go
package models

import (
	"time"
)

// ImageRecord is the metadata kept for every stored image. Records are
// created by ingestion and removed by delete; they are never updated.
type ImageRecord struct {
	UUID         string    `json:"uuid"`
	FilePath     string    `json:"file_path"`
	OriginalName string    `json:"original_name"`
	OwnerKey     string    `json:"-"`
	UserPath     string    `json:"user_path"`
	FileSize     int64     `json:"file_size"`
	Format       string    `json:"format"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	UploadTime   time.Time `json:"upload_time"`
}

// ListQuery selects an owner's images, optionally under a path prefix,
// newest first.
type ListQuery struct {
	OwnerKey   string
	PathPrefix string
	Offset     int
	Limit      int
}

type ResizeMode string

const (
	ModeFit  ResizeMode = "fit"
	ModeFill ResizeMode = "fill"
	ModeCrop ResizeMode = "crop"
)

// TransformSpec describes an on-demand rendition. Zero Width/Height means
// the dimension was not requested; empty Format keeps the source format.
type TransformSpec struct {
	Width   int
	Height  int
	Quality int
	Format  string
	Mode    ResizeMode
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is the result of ingesting one file of a batch. Build it with
// Succeeded or Failed.
type Outcome struct {
	UUID     string        `json:"uuid,omitempty"`
	Filename string        `json:"filename"`
	Status   OutcomeStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
}

func Succeeded(uuid, filename string) Outcome {
	return Outcome{UUID: uuid, Filename: filename, Status: OutcomeSuccess}
}

func Failed(filename string, err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Filename: filename, Status: OutcomeFailed, Error: msg}
}

func (o Outcome) OK() bool {
	return o.Status == OutcomeSuccess
}
