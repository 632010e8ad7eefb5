package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1204al/clipdrop-bot/internal/models"
)

func testJob() *models.Job {
	return &models.Job{ID: "job-1", InputURL: "https://x.com/u/status/1", Platform: "x"}
}

// fakeDownloader writes an executable shell script standing in for yt-dlp.
func fakeDownloader(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestArgs(t *testing.T) {
	y := NewYtDlp("/data")
	args := y.Args("https://x.com/u/status/1")

	require.Contains(t, args, "bestvideo*+bestaudio/best")
	require.Contains(t, args, "/data/"+OutputTemplate)
	require.Contains(t, args, "--no-playlist")
	require.Contains(t, args, "30")
	require.Equal(t, "https://x.com/u/status/1", args[len(args)-1])
	require.Equal(t, "--", args[len(args)-2])

	y.Debug = true
	require.Contains(t, y.Args("u"), "worst")
}

func TestParseMarkers(t *testing.T) {
	path, dur := parseMarkers("[info] x\nCLIPDROP_FILE=/d/x_1.mp4\nCLIPDROP_DURATION=12.5\n")
	require.Equal(t, "/d/x_1.mp4", path)
	require.InDelta(t, 12.5, dur, 0.001)

	path, dur = parseMarkers("CLIPDROP_FILE=NA\nCLIPDROP_DURATION=NA\n")
	require.Empty(t, path)
	require.Zero(t, dur)
}

func TestFetchSuccess(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "twitter_1.mp4")
	script := fakeDownloader(t, fmt.Sprintf(`printf 'abcdef' > %q
echo "CLIPDROP_FILE=%s"
echo "CLIPDROP_DURATION=3.25"`, file, file))

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	y := NewYtDlp(dir)
	y.Binary = script
	y.now = func() time.Time { return fixed }

	res, err := y.Fetch(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, file, res.FilePath)
	require.EqualValues(t, 6, res.SizeBytes)
	require.InDelta(t, 3.25, res.DurationSec, 0.001)
	require.Equal(t, "x", res.Platform)
	require.Equal(t, fixed, res.FetchedAt)
}

func TestFetchPermanentFailure(t *testing.T) {
	y := NewYtDlp(t.TempDir())
	y.Binary = fakeDownloader(t, `echo "ERROR: [twitter] 1: This video is private"
exit 1`)

	_, err := y.Fetch(context.Background(), testJob())
	require.Error(t, err)
	category, permanent := Classify(err)
	require.True(t, permanent)
	require.Equal(t, CategoryPrivate, category)
	require.ErrorContains(t, err, "This video is private")
}

func TestFetchTransientFailure(t *testing.T) {
	y := NewYtDlp(t.TempDir())
	y.Binary = fakeDownloader(t, `echo "ERROR: Unable to download webpage: HTTP Error 503: Service Unavailable"
exit 1`)

	_, err := y.Fetch(context.Background(), testJob())
	category, permanent := Classify(err)
	require.False(t, permanent)
	require.Equal(t, CategoryUpstream, category)
}

func TestFetchMissingFile(t *testing.T) {
	y := NewYtDlp(t.TempDir())
	y.Binary = fakeDownloader(t, `echo "CLIPDROP_FILE=/nonexistent/file.mp4"`)

	_, err := y.Fetch(context.Background(), testJob())
	var te *TransientError
	require.True(t, errors.As(err, &te))
}

func TestFetchNoPath(t *testing.T) {
	y := NewYtDlp(t.TempDir())
	y.Binary = fakeDownloader(t, `echo "[info] nothing to do"`)

	_, err := y.Fetch(context.Background(), testJob())
	require.ErrorContains(t, err, "did not report a file path")
	_, permanent := Classify(err)
	require.False(t, permanent)
}

func TestFetchTimeout(t *testing.T) {
	y := NewYtDlp(t.TempDir())
	y.Binary = fakeDownloader(t, `sleep 5`)
	y.Timeout = 100 * time.Millisecond

	_, err := y.Fetch(context.Background(), testJob())
	require.Error(t, err)
	category, permanent := Classify(err)
	require.False(t, permanent)
	require.Equal(t, CategoryTimeout, category)
}
