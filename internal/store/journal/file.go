package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/minio/crc64nvme"

	"github.com/1204al/clipdrop-bot/internal/models"
)

// envelope is one line of the journal. CRC covers the exact bytes of Job.
type envelope struct {
	CRC string          `json:"crc"`
	Job json.RawMessage `json:"job"`
}

var errChecksum = errors.New("checksum mismatch")

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// encodeRecord renders j as a newline terminated envelope.
func encodeRecord(j *models.Job) ([]byte, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}
	line, err := json.Marshal(envelope{
		CRC: strconv.FormatUint(computeCRC64(payload), 16),
		Job: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return append(line, '\n'), nil
}

// decodeRecord parses and verifies one journal line.
func decodeRecord(line []byte) (*models.Job, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	stored, err := strconv.ParseUint(env.CRC, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid crc %q: %w", env.CRC, err)
	}
	if computed := computeCRC64(env.Job); computed != stored {
		return nil, fmt.Errorf("%w: stored=%x computed=%x", errChecksum, stored, computed)
	}

	var j models.Job
	if err := json.Unmarshal(env.Job, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if j.ID == "" || !j.State.Valid() {
		return nil, fmt.Errorf("invalid record: job_id=%q state=%q", j.ID, j.State)
	}
	return &j, nil
}

// scanResult summarizes a pass over the tail of a journal file.
type scanResult struct {
	// consumed is the number of bytes of complete lines read, corrupt ones included.
	consumed int64
	lines    int
	corrupt  int
}

// scanRecords reads complete lines from r and calls fn for each valid record.
// A trailing line without a newline is left unconsumed.
func scanRecords(r io.Reader, fn func(j *models.Job)) (scanResult, error) {
	var res scanResult
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("failed to read journal: %w", err)
		}

		res.consumed += int64(len(line))
		res.lines++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		j, err := decodeRecord(line)
		if err != nil {
			res.corrupt++
			continue
		}
		fn(j)
	}
}

// appendFile writes data to path with O_APPEND and fsyncs before returning.
// If the file ends in a torn line it is terminated first so data starts on
// a fresh line.
func appendFile(path string, data []byte) (os.FileInfo, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	torn, err := endsTorn(path)
	if err != nil {
		return nil, err
	}
	if torn {
		data = append([]byte{'\n'}, data...)
	}

	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info, nil
}

func endsTorn(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return last[0] != '\n', nil
}
