package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ArchiveCleanupError indicates the journal was compacted but removing expired
// archives failed.
type ArchiveCleanupError struct {
	ArchiveDir string
	CleanupErr error
}

func (e *ArchiveCleanupError) Error() string {
	return fmt.Sprintf("journal compacted but failed to cleanup archives in %s: %v",
		e.ArchiveDir, e.CleanupErr)
}

func (e *ArchiveCleanupError) Unwrap() error {
	return e.CleanupErr
}

// archiveJournal compresses the journal at path into archiveDir using zstd.
// The source file is left in place.
func archiveJournal(path, archiveDir string, now time.Time) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open journal: %w", err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat journal: %w", err)
	}

	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("%s-%s.zst", filepath.Base(path), now.UTC().Format("20060102T150405.000000000")))
	dst, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", fmt.Errorf("failed to create encoder: %w", err)
	}
	defer enc.Close()

	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to close encoder: %w", err)
	}
	if err := dst.Sync(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	dstInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	ratio := 0.0
	if srcInfo.Size() > 0 {
		ratio = (1.0 - float64(dstInfo.Size())/float64(srcInfo.Size())) * 100
	}
	log.Info().
		Int64("original_bytes", srcInfo.Size()).
		Int64("compressed_bytes", dstInfo.Size()).
		Float64("compression_ratio_pct", ratio).
		Str("archive_path", archivePath).
		Msg("Journal archived with zstd compression")

	return archivePath, nil
}

// CleanupArchive removes archived journals older than the retention period.
func CleanupArchive(archiveDir string, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	entries, err := os.ReadDir(archiveDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read archive directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zst" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to get file info, skipping")
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(archiveDir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to delete old archive file")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Info().Int("deleted_files", deleted).Int("retention_days", retentionDays).Msg("Archive cleanup completed")
	}
	return nil
}
