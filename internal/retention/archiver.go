package retention

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/pkg/logger"
)

const (
	archiveSuffix  = ".jsonl.gz"
	manifestSuffix = ".manifest.yaml"

	defaultArchivePageSize = 1000
)

// EntryLister pages through entries created before a cutoff.
type EntryLister interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, after int64, limit int) ([]domain.SecurityLogEntry, error)
}

// Manifest describes one archive file. It is written next to the archive
// once the archive itself is complete.
type Manifest struct {
	ArchiveID         string    `yaml:"archive_id"`
	File              string    `yaml:"file"`
	SHA256            string    `yaml:"sha256"`
	CreatedAt         time.Time `yaml:"created_at"`
	Cutoff            time.Time `yaml:"cutoff"`
	Entries           int64     `yaml:"entries"`
	FirstSequence     int64     `yaml:"first_sequence"`
	LastSequence      int64     `yaml:"last_sequence"`
	FirstPreviousHash string    `yaml:"first_previous_hash,omitempty"`
	LastHash          string    `yaml:"last_hash"`
}

// FileArchiver writes expired entries as gzip-compressed JSON lines, one
// entry per line in sequence order, plus a YAML manifest.
type FileArchiver struct {
	dir      string
	lister   EntryLister
	pageSize int
	now      func() time.Time
}

// NewFileArchiver creates an archiver writing into dir.
func NewFileArchiver(dir string, lister EntryLister, pageSize int) *FileArchiver {
	if pageSize <= 0 {
		pageSize = defaultArchivePageSize
	}
	return &FileArchiver{dir: dir, lister: lister, pageSize: pageSize, now: time.Now}
}

// ArchiveBefore archives every entry created before cutoff and returns the
// archive path. Nothing is written, and "" returned, when no entry qualifies.
// The archive only appears under its final name once fully written.
func (a *FileArchiver) ArchiveBefore(ctx context.Context, cutoff time.Time) (string, error) {
	if err := os.MkdirAll(a.dir, 0o750); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate archive id: %w", err)
	}

	name := fmt.Sprintf("security-logs-%s-%s%s", cutoff.UTC().Format("20060102T150405Z"), id, archiveSuffix)
	final := filepath.Join(a.dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	digest := sha256.New()
	buf := bufio.NewWriter(io.MultiWriter(f, digest))
	zw := gzip.NewWriter(buf)
	enc := json.NewEncoder(zw)

	m := Manifest{
		ArchiveID: id.String(),
		File:      name,
		CreatedAt: a.now().UTC(),
		Cutoff:    cutoff.UTC(),
	}
	var after int64
	for {
		page, err := a.lister.ListOlderThan(ctx, cutoff, after, a.pageSize)
		if err != nil {
			return "", fmt.Errorf("list entries after %d: %w", after, err)
		}
		for i := range page {
			e := &page[i]
			if err := enc.Encode(e); err != nil {
				return "", fmt.Errorf("encode entry %d: %w", e.SequenceNumber, err)
			}
			if m.Entries == 0 {
				m.FirstSequence = e.SequenceNumber
				if e.PreviousHash != nil {
					m.FirstPreviousHash = *e.PreviousHash
				}
			}
			m.Entries++
			m.LastSequence = e.SequenceNumber
			m.LastHash = e.CurrentHash
		}
		if len(page) < a.pageSize {
			break
		}
		after = page[len(page)-1].SequenceNumber
	}

	if m.Entries == 0 {
		logger.Info("No entries to archive", zap.Time("cutoff", cutoff))
		return "", nil
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish gzip stream: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	committed = true

	m.SHA256 = hex.EncodeToString(digest.Sum(nil))
	if err := writeManifest(ManifestPath(final), m); err != nil {
		return "", err
	}

	logger.Info("Archive written",
		zap.String("file", final),
		zap.Int64("entries", m.Entries),
		zap.Int64("first_sequence", m.FirstSequence),
		zap.Int64("last_sequence", m.LastSequence),
	)
	return final, nil
}

// ManifestPath returns the manifest path for an archive path.
func ManifestPath(archivePath string) string {
	return strings.TrimSuffix(archivePath, archiveSuffix) + manifestSuffix
}

func writeManifest(path string, m Manifest) error {
	body, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest written alongside archivePath.
func ReadManifest(archivePath string) (*Manifest, error) {
	body, err := os.ReadFile(ManifestPath(archivePath))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ErrArchiveDigestMismatch means the archive bytes differ from the manifest.
var ErrArchiveDigestMismatch = errors.New("archive digest does not match manifest")

// ReadArchive decodes every entry in an archive file. When a manifest is
// present its digest is checked first.
func ReadArchive(archivePath string) ([]domain.SecurityLogEntry, error) {
	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	m, err := ReadManifest(archivePath)
	switch {
	case err == nil:
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != m.SHA256 {
			return nil, ErrArchiveDigestMismatch
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	var entries []domain.SecurityLogEntry
	dec := json.NewDecoder(zr)
	for {
		var e domain.SecurityLogEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
