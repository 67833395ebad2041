package storage

import (
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	landingDir = "landing"
	chunksDir  = "video_chunks"
)

// CaptureStore keeps captures under a single root directory:
//
//	<root>/landing/                          staged uploads
//	<root>/YYYY/MM/DD/<application>/<file>   promoted images
//	<root>/video_chunks/<source>_<id>.mp4    compressed chunks
type CaptureStore struct {
	rootPath string
}

func NewCaptureStore(rootPath string) (*CaptureStore, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, landingDir), filepath.Join(abs, chunksDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &CaptureStore{rootPath: abs}, nil
}

// validName rejects anything that could escape the store when joined.
func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// SaveLanding writes an uploaded image into the staging directory under its
// original name, via a temp file so readers never observe a partial write.
// Returns the absolute landing path.
func (cs *CaptureStore) SaveLanding(file multipart.File, filename string) (string, error) {
	if err := validName(filename); err != nil {
		return "", err
	}

	tmpPath := filepath.Join(cs.rootPath, landingDir, uuid.New().String()+".tmp")
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	finalPath := filepath.Join(cs.rootPath, landingDir, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to stage file: %w", err)
	}
	return finalPath, nil
}

// LandingFiles returns absolute paths of every staged upload, oldest name
// first. Leftover temp files from interrupted writes are skipped.
func (cs *CaptureStore) LandingFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(cs.rootPath, landingDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read landing directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		paths = append(paths, filepath.Join(cs.rootPath, landingDir, e.Name()))
	}
	return paths, nil
}

// CaptureFiles walks the date hierarchy and returns the absolute path of every
// promoted image. The staging and chunk directories are not part of the
// hierarchy and are skipped.
func (cs *CaptureStore) CaptureFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(cs.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if filepath.Dir(path) == cs.rootPath && (d.Name() == landingDir || d.Name() == chunksDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk capture directory: %w", err)
	}
	return paths, nil
}

// Promote moves a staged file into the date hierarchy for its capture time and
// application. The move is a rename within the same filesystem, so it is
// atomic. Returns the absolute destination path.
func (cs *CaptureStore) Promote(landingPath, application string, capturedAt time.Time) (string, error) {
	if err := validName(application); err != nil {
		return "", fmt.Errorf("invalid application name: %w", err)
	}

	t := capturedAt.UTC()
	destDir := filepath.Join(cs.rootPath,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		application)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create capture directory: %w", err)
	}

	destPath := filepath.Join(destDir, filepath.Base(landingPath))
	if err := os.Rename(landingPath, destPath); err != nil {
		return "", fmt.Errorf("failed to promote file: %w", err)
	}
	return destPath, nil
}

// SaveChunk writes an uploaded video chunk to its canonical path. Chunks are
// named by their origin so re-uploads land on the same file.
func (cs *CaptureStore) SaveChunk(file multipart.File, source string, sourceID int64) (string, error) {
	if err := validName(source); err != nil {
		return "", fmt.Errorf("invalid source name: %w", err)
	}

	finalPath := cs.ChunkPath(source, sourceID)
	tmpPath := filepath.Join(cs.rootPath, chunksDir, uuid.New().String()+".tmp")
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to save chunk: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to store chunk: %w", err)
	}
	return finalPath, nil
}

// ChunkPath returns the canonical absolute path for a chunk, whether or not
// the file exists yet.
func (cs *CaptureStore) ChunkPath(source string, sourceID int64) string {
	return filepath.Join(cs.rootPath, chunksDir, fmt.Sprintf("%s_%d.mp4", source, sourceID))
}

// OpenFile opens a stored file by absolute path, refusing paths outside the
// store root.
func (cs *CaptureStore) OpenFile(path string) (io.ReadSeekCloser, error) {
	cleanPath, err := cs.insideRoot(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (cs *CaptureStore) DeleteFile(path string) error {
	cleanPath, err := cs.insideRoot(path)
	if err != nil {
		return err
	}
	if err := os.Remove(cleanPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (cs *CaptureStore) insideRoot(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		cleanPath = filepath.Join(cs.rootPath, cleanPath)
	}
	if cleanPath != cs.rootPath && !strings.HasPrefix(cleanPath, cs.rootPath+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path")
	}
	return cleanPath, nil
}
