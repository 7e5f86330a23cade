package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

const workDirName = ".work"

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit
	ErrTooLarge = errors.New("upload exceeds size limit")

	// ErrArtifactExists is returned when publishing would replace a different artifact
	ErrArtifactExists = errors.New("artifact already exists")

	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Config holds the artifact store locations
type Config struct {
	InputDir       string
	OutputDir      string
	MaxUploadBytes int64
}

// Store owns the upload and artifact directories
type Store struct {
	inputDir       string
	outputDir      string
	maxUploadBytes int64
	logger         *slog.Logger
}

// Artifact is an opened artifact ready to be streamed
type Artifact struct {
	*os.File
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// NewStore creates the store and its directories
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{cfg.InputDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	return &Store{
		inputDir:       cfg.InputDir,
		outputDir:      cfg.OutputDir,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         logger,
	}, nil
}

// SaveUpload stores an uploaded video as <taskID>_<name> in the input directory.
// The file appears under its final name only once fully written.
func (s *Store) SaveUpload(taskID, filename string, r io.Reader) (string, error) {
	dst := filepath.Join(s.inputDir, taskID+"_"+SanitizeName(filename))

	tmp, err := os.CreateTemp(s.inputDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temporary upload: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	src := r
	if s.maxUploadBytes > 0 {
		src = io.LimitReader(r, s.maxUploadBytes+1)
	}

	n, err := io.Copy(tmp, src)
	if err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if s.maxUploadBytes > 0 && n > s.maxUploadBytes {
		return "", ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("move upload into place: %w", err)
	}

	s.logger.Info("Upload stored",
		slog.String("task_id", taskID),
		slog.String("path", dst),
		slog.Int64("bytes", n),
	)
	return dst, nil
}

// RemoveUpload deletes an upload whose submission was rolled back
func (s *Store) RemoveUpload(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// WorkDir returns a scratch directory for one task's pipeline run
func (s *Store) WorkDir(taskID string) (string, error) {
	dir := filepath.Join(s.outputDir, workDirName, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

// CleanWorkDir removes the scratch directory of a task
func (s *Store) CleanWorkDir(taskID string) error {
	return os.RemoveAll(filepath.Join(s.outputDir, workDirName, taskID))
}

// Publish moves a pipeline output into the output directory as <taskID><ext>.
// The name depends only on the task, so publishing the same output twice is a no-op,
// while an existing artifact from another file is never replaced.
func (s *Store) Publish(taskID, srcPath string) (string, error) {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", domain.ErrNoOutput
		}
		return "", fmt.Errorf("stat pipeline output: %w", err)
	}
	if srcInfo.IsDir() {
		return "", fmt.Errorf("pipeline output %s is a directory", srcPath)
	}

	ext := strings.ToLower(filepath.Ext(srcPath))
	if ext == "" {
		if mt, err := mimetype.DetectFile(srcPath); err == nil {
			ext = mt.Extension()
		}
	}
	name := taskID + ext
	dst := filepath.Join(s.outputDir, name)

	if dstInfo, err := os.Stat(dst); err == nil {
		if os.SameFile(srcInfo, dstInfo) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrArtifactExists, name)
	}

	if err := os.Rename(srcPath, dst); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) {
			return "", fmt.Errorf("move artifact into place: %w", err)
		}
		// Output lives on another filesystem
		if err := s.copyInto(srcPath, dst); err != nil {
			return "", err
		}
		_ = os.Remove(srcPath)
	}

	s.logger.Info("Artifact published",
		slog.String("task_id", taskID),
		slog.String("artifact", name),
		slog.Int64("bytes", srcInfo.Size()),
	)
	return name, nil
}

func (s *Store) copyInto(srcPath, dst string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open pipeline output: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.outputDir, ".publish-*")
	if err != nil {
		return fmt.Errorf("create temporary artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("move artifact into place: %w", err)
	}
	return nil
}

// Open opens an artifact by its bare file name.
// Names with separators, dot segments or symlinks leaving the output directory
// are reported as domain.ErrNotFound.
func (s *Store) Open(name string) (*Artifact, error) {
	if !validName(name) {
		return nil, domain.ErrNotFound
	}

	root, err := os.OpenRoot(s.outputDir)
	if err != nil {
		return nil, fmt.Errorf("open output directory: %w", err)
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		s.logger.Warn("Artifact open refused",
			slog.String("name", name),
			slog.Any("error", err),
		)
		return nil, domain.ErrNotFound
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, domain.ErrNotFound
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind artifact: %w", err)
	}

	return &Artifact{
		File:        f,
		Name:        name,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentType,
	}, nil
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.IsLocal(name)
}

// SanitizeName reduces a client-supplied file name to a safe base name
func SanitizeName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, "._")
	if base == "" {
		return "upload"
	}
	return base
}

// DetectMediaType sniffs the media type of the leading bytes of a file
func DetectMediaType(head []byte) *mimetype.MIME {
	return mimetype.Detect(head)
}
