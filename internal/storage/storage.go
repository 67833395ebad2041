package storage

import (
	"io"
	"mime/multipart"
	"time"
)

// Store is the on-disk layout for capture files. Images land in a staging
// directory first and are promoted into the date hierarchy when their ingest
// turn comes; CaptureFiles lets startup reconciliation find promoted images
// whose metadata row was lost.
type Store interface {
	SaveLanding(file multipart.File, filename string) (string, error)
	LandingFiles() ([]string, error)
	CaptureFiles() ([]string, error)
	Promote(landingPath, application string, capturedAt time.Time) (string, error)
	SaveChunk(file multipart.File, source string, sourceID int64) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
}
