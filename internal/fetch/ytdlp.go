package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	consolestream "github.com/wolfeidau/console-stream"

	"github.com/1204al/clipdrop-bot/internal/models"
)

const (
	// OutputTemplate names downloaded files after the extractor and media id.
	OutputTemplate = "%(extractor)s_%(id)s.%(ext)s"

	fileMarker     = "CLIPDROP_FILE="
	durationMarker = "CLIPDROP_DURATION="

	defaultFormat      = "bestvideo*+bestaudio/best"
	debugFormat        = "worst"
	maxCapturedOutput  = 64 * 1024
	defaultFlushPeriod = 500 * time.Millisecond
)

// YtDlp fetches media by running the yt-dlp binary.
type YtDlp struct {
	Binary        string
	DownloadsDir  string
	Debug         bool
	SocketTimeout time.Duration
	// Timeout bounds one fetch. Zero means no limit beyond the caller's context.
	Timeout   time.Duration
	ExtraArgs []string
	Env       map[string]string

	now func() time.Time
}

// NewYtDlp returns a fetcher writing into downloadsDir.
func NewYtDlp(downloadsDir string) *YtDlp {
	return &YtDlp{
		Binary:        "yt-dlp",
		DownloadsDir:  downloadsDir,
		SocketTimeout: 30 * time.Second,
	}
}

// Args builds the command line for inputURL.
func (y *YtDlp) Args(inputURL string) []string {
	format := defaultFormat
	if y.Debug {
		format = debugFormat
	}
	socketTimeout := y.SocketTimeout
	if socketTimeout <= 0 {
		socketTimeout = 30 * time.Second
	}

	args := []string{
		"--no-playlist",
		"--no-progress",
		"--newline",
		"-f", format,
		"--merge-output-format", "mp4",
		"--socket-timeout", strconv.Itoa(int(socketTimeout.Seconds())),
		"-o", filepath.Join(y.DownloadsDir, OutputTemplate),
		"--print", "after_move:" + fileMarker + "%(filepath)s",
		"--print", "after_move:" + durationMarker + "%(duration)s",
	}
	args = append(args, y.ExtraArgs...)
	return append(args, "--", inputURL)
}

// Fetch downloads the job's resource and returns the artifact reference.
func (y *YtDlp) Fetch(ctx context.Context, j *models.Job) (models.Result, error) {
	if err := os.MkdirAll(y.DownloadsDir, 0o755); err != nil {
		return models.Result{}, Transient(CategoryUnknown, fmt.Errorf("failed to create downloads dir: %w", err))
	}

	if y.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.Timeout)
		defer cancel()
	}

	opts := []consolestream.ProcessOption{
		consolestream.WithFlushInterval(defaultFlushPeriod),
		consolestream.WithPipeMode(),
	}
	if len(y.Env) > 0 {
		opts = append(opts, consolestream.WithEnvMap(y.Env))
	}

	binary := y.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	process := consolestream.NewProcess(binary, y.Args(j.InputURL), opts...)

	logger := log.With().Str("job_id", j.ID).Str("platform", j.Platform).Logger()
	out := &tailBuffer{limit: maxCapturedOutput}
	exitCode := -1

	for event, err := range process.ExecuteAndStream(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return models.Result{}, Transient(CategoryTimeout, fmt.Errorf("fetch interrupted: %w", ctx.Err()))
			}
			return models.Result{}, ClassifyOutput(out.String(), err)
		}

		switch e := event.Event.(type) {
		case *consolestream.ProcessStart:
			logger.Debug().Int("pid", e.PID).Msg("Downloader started")
		case *consolestream.OutputData:
			out.Write(e.Data)
		case *consolestream.ProcessEnd:
			exitCode = e.ExitCode
			logger.Debug().Int("exit_code", e.ExitCode).Dur("duration", e.Duration).Msg("Downloader finished")
		}
	}

	if ctx.Err() != nil {
		return models.Result{}, Transient(CategoryTimeout, fmt.Errorf("fetch interrupted: %w", ctx.Err()))
	}
	if exitCode != 0 {
		return models.Result{}, ClassifyOutput(out.String(), fmt.Errorf("downloader exited with code %d", exitCode))
	}

	path, duration := parseMarkers(out.String())
	if path == "" {
		return models.Result{}, Transient(CategoryUnknown, errors.New("downloader did not report a file path"))
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.Result{}, Transient(CategoryUnknown, fmt.Errorf("downloaded file is missing: %w", err))
	}

	now := time.Now
	if y.now != nil {
		now = y.now
	}
	return models.Result{
		FilePath:    path,
		SizeBytes:   info.Size(),
		DurationSec: duration,
		Platform:    j.Platform,
		FetchedAt:   now().UTC(),
	}, nil
}

// parseMarkers extracts the last reported file path and duration.
func parseMarkers(output string) (path string, duration float64) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 4096), maxCapturedOutput)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, fileMarker); ok && v != "" && v != "NA" {
			path = v
			continue
		}
		if v, ok := strings.CutPrefix(line, durationMarker); ok {
			if d, err := strconv.ParseFloat(v, 64); err == nil {
				duration = d
			}
		}
	}
	return path, duration
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
