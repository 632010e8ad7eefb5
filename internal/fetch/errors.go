// Package fetch retrieves the media behind a job's resource.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/1204al/clipdrop-bot/internal/models"
)

// Fetcher retrieves the artifact for a job. Implementations run outside every
// store lock and may take minutes.
type Fetcher interface {
	Fetch(ctx context.Context, j *models.Job) (models.Result, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, j *models.Job) (models.Result, error)

func (f FetcherFunc) Fetch(ctx context.Context, j *models.Job) (models.Result, error) {
	return f(ctx, j)
}

// Failure categories recorded on jobs.
const (
	CategoryPrivate     = "private"
	CategoryRemoved     = "removed"
	CategoryGeoBlocked  = "geo_blocked"
	CategoryUnsupported = "unsupported"
	CategoryRateLimited = "rate_limited"
	CategoryUpstream    = "upstream"
	CategoryNetwork     = "network"
	CategoryTimeout     = "timeout"
	CategoryAuth        = "login_required"
	CategoryUnknown     = "unknown"
)

// TransientError is a failure worth retrying within the attempt budget.
type TransientError struct {
	Category string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch failure (%s): %v", e.Category, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure no retry can fix.
type PermanentError struct {
	Category string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent fetch failure (%s): %v", e.Category, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(category string, err error) error {
	return &TransientError{Category: category, Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(category string, err error) error {
	return &PermanentError{Category: category, Err: err}
}

// Classify returns the failure category of err and whether it is permanent.
// Unclassified errors are transient.
func Classify(err error) (category string, permanent bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Category, true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Category, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, false
	}
	return CategoryUnknown, false
}

type outputRule struct {
	re        *regexp.Regexp
	category  string
	permanent bool
}

// rules are checked in order against downloader output.
var rules = []outputRule{
	{regexp.MustCompile(`(?i)private (video|account|post)|this (video|account|post) is private|is a private`), CategoryPrivate, true},
	{regexp.MustCompile(`(?i)available in your (country|region)|geo[- ]?restrict|blocked in your (country|region)`), CategoryGeoBlocked, true},
	{regexp.MustCompile(`(?i)video unavailable|has been removed|no longer available|this content isn.t available|does not exist|status is not available|\b404\b.*not found|HTTP Error 404`), CategoryRemoved, true},
	{regexp.MustCompile(`(?i)unsupported url|no video formats found|no video could be found|there is no video in this`), CategoryUnsupported, true},
	{regexp.MustCompile(`(?i)HTTP Error 429|too many requests|rate[- ]?limit`), CategoryRateLimited, false},
	{regexp.MustCompile(`(?i)login required|log in|sign in to confirm|requires authentication|cookies`), CategoryAuth, false},
	{regexp.MustCompile(`(?i)HTTP Error 5\d\d`), CategoryUpstream, false},
	{regexp.MustCompile(`(?i)timed out|timeout`), CategoryTimeout, false},
	{regexp.MustCompile(`(?i)connection (reset|refused|aborted)|name resolution|network is unreachable|unable to download webpage|ssl|eof occurred`), CategoryNetwork, false},
}

// ClassifyOutput turns downloader output from a failed run into a
// TransientError or PermanentError. The reported message is the last ERROR
// line when one exists.
func ClassifyOutput(output string, cause error) error {
	msg := lastErrorLine(output)
	if msg == "" {
		if cause != nil {
			msg = cause.Error()
		} else {
			msg = "downloader failed without an error message"
		}
	}
	err := errors.New(msg)
	if cause != nil {
		err = fmt.Errorf("%s: %w", msg, cause)
	}

	for _, r := range rules {
		if r.re.MatchString(msg) {
			if r.permanent {
				return Permanent(r.category, err)
			}
			return Transient(r.category, err)
		}
	}
	return Transient(CategoryUnknown, err)
}

func lastErrorLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return ""
}
