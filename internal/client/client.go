package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/api/dto"
	"github.com/cuongbtq/lumi-dubbing/internal/artifact"
)

// DefaultPollInterval is the fixed delay between two status polls
const DefaultPollInterval = 5 * time.Second

// DefaultMaxConsecutiveErrors is how many failed polls in a row Wait tolerates
const DefaultMaxConsecutiveErrors = 5

var (
	// ErrTaskFailed is returned by Wait when the task ended in failure
	ErrTaskFailed = errors.New("task failed")

	// ErrNoDownload is returned when a completed status carries no download url
	ErrNoDownload = errors.New("status has no download url")
)

// StatusError is a non-2xx answer from the service
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Config holds the polling client settings
type Config struct {
	BaseURL              string
	PollInterval         time.Duration
	MaxConsecutiveErrors int
	Timeout              time.Duration
	Logger               *slog.Logger
}

// Client submits videos to the dubbing service and polls their status
type Client struct {
	baseURL              *url.URL
	http                 *http.Client
	pollInterval         time.Duration
	maxConsecutiveErrors int
	logger               *slog.Logger
}

// SubmitOptions are the optional form fields of a submission; nil keeps the server default
type SubmitOptions struct {
	SourceLang       *string
	TargetLang       *string
	WhisperModel     *string
	TTSMethod        *string
	Voice            *string
	Diarization      *bool
	Subtitles        *bool
	TargetResolution *string
}

// Update is passed to the Wait callback after every poll
type Update struct {
	Poll   int
	Status *dto.StatusResponse
	Err    error
}

// New creates a new Client
func New(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = "http://localhost:8000"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxErrors := cfg.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		},
		pollInterval:         interval,
		maxConsecutiveErrors: maxErrors,
		logger:               logger,
	}, nil
}

// Submit uploads a video and returns the assigned task id
func (c *Client) Submit(ctx context.Context, videoPath string, opts SubmitOptions) (string, error) {
	f, err := os.Open(videoPath)
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	head := make([]byte, 3072)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read video: %w", err)
	}
	contentType := artifact.DetectMediaType(head[:n]).String()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind video: %w", err)
	}

	// Stream the form so large videos are never held in memory
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, filepath.Base(videoPath), contentType, opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("v1/translate"), pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// Uploads can legitimately outlast the per-request timeout
	httpClient := *c.http
	httpClient.Timeout = 0

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit video: %w", err)
	}
	defer resp.Body.Close()

	var out dto.TranslateResponse
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit video: response carries no task id")
	}

	c.logger.Info("Video submitted",
		slog.String("task_id", out.TaskID),
		slog.String("file", videoPath),
	)
	return out.TaskID, nil
}

func writeForm(mw *multipart.Writer, video io.Reader, filename, contentType string, opts SubmitOptions) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"source_lang", opts.SourceLang},
		{"target_lang", opts.TargetLang},
		{"whisper_model", opts.WhisperModel},
		{"tts_method", opts.TTSMethod},
		{"voice", opts.Voice},
		{"target_resolution", opts.TargetResolution},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := mw.WriteField(f.name, *f.value); err != nil {
			return err
		}
	}
	if opts.Diarization != nil {
		if err := mw.WriteField("diarization", strconv.FormatBool(*opts.Diarization)); err != nil {
			return err
		}
	}
	if opts.Subtitles != nil {
		if err := mw.WriteField("subtitles", strconv.FormatBool(*opts.Subtitles)); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, video); err != nil {
		return err
	}
	return mw.Close()
}

// Status fetches the current status of a task.
// An unknown task is not an error: it comes back with status "unknown".
func (c *Client) Status(ctx context.Context, taskID string) (*dto.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("status/"+url.PathEscape(taskID)), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	var out dto.StatusResponse
	if resp.StatusCode == http.StatusNotFound {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Status == "" {
			out = dto.StatusResponse{TaskID: taskID, Status: dto.StatusUnknown}
		}
		return &out, nil
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls the task every PollInterval until it completes or fails.
// Every poll is reported to onUpdate, which may be nil. Transient errors are
// tolerated up to MaxConsecutiveErrors in a row. An unknown task keeps being
// polled since its record may not be visible yet.
func (c *Client) Wait(ctx context.Context, taskID string, onUpdate func(Update)) (*dto.StatusResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for poll := 1; ; poll++ {
		st, err := c.Status(ctx, taskID)
		if onUpdate != nil {
			onUpdate(Update{Poll: poll, Status: st, Err: err})
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			consecutiveErrors++
			c.logger.Warn("Status poll failed",
				slog.String("task_id", taskID),
				slog.Int("consecutive_errors", consecutiveErrors),
				slog.Any("error", err),
			)
			if consecutiveErrors >= c.maxConsecutiveErrors {
				return nil, fmt.Errorf("giving up after %d failed polls: %w", consecutiveErrors, err)
			}
		} else {
			consecutiveErrors = 0
			switch st.Status {
			case dto.StatusCompleted:
				return st, nil
			case dto.StatusFailed:
				return st, fmt.Errorf("%w: %s", ErrTaskFailed, st.FailureReason)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download streams the artifact of a completed task into dst.
// When dst is a directory the artifact keeps its server-side name.
func (c *Client) Download(ctx context.Context, st *dto.StatusResponse, dst string) (string, error) {
	if st == nil || st.DownloadURL == "" {
		return "", ErrNoDownload
	}

	ref, err := url.Parse(st.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("invalid download url %q: %w", st.DownloadURL, err)
	}
	target := c.baseURL.ResolveReference(ref)

	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(target.Path))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	httpClient := *c.http
	httpClient.Timeout = 0

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readStatusError(resp)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}

	c.logger.Info("Artifact downloaded",
		slog.String("task_id", st.TaskID),
		slog.String("path", dst),
	)
	return dst, nil
}

func (c *Client) resolve(path string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e dto.ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
