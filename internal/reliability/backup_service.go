package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	backupTimeFormat = "20060102-150405"
	backupSuffix     = ".tar.gz"

	// uploadTimeout bounds one full backup cycle including the upload.
	uploadTimeout = 10 * time.Minute
)

// BackupMetadata describes the contents of one backup archive. It is written
// into the archive as metadata.json so a restore can verify checksums.
type BackupMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes one file inside a backup archive.
type FileMetadata struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupService archives the data directory's database files and uploads the
// archive to an object store. Old backups beyond the retention count are
// pruned after each successful upload.
type BackupService struct {
	store     ObjectStore
	dataDir   string
	prefix    string
	retention int
	log       zerolog.Logger
}

// NewBackupService creates a backup service. retention is the number of most
// recent backups to keep; zero disables pruning.
func NewBackupService(store ObjectStore, dataDir, prefix string, retention int, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:     store,
		dataDir:   dataDir,
		prefix:    strings.TrimSuffix(prefix, "/"),
		retention: retention,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload builds a backup archive and uploads it.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Str("data_dir", s.dataDir).Msg("Starting backup")

	archive, err := os.CreateTemp("", "tradegate-backup-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	metadata, err := s.writeArchive(archive)
	if err != nil {
		return err
	}

	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind archive: %w", err)
	}

	key := s.objectKey(metadata.Timestamp)
	if err := s.store.Upload(ctx, key, archive); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Int("files", len(metadata.Files)).
		Dur("duration", time.Since(start)).
		Msg("Backup uploaded")

	if err := s.prune(ctx); err != nil {
		// The new backup is safe, pruning can wait for the next cycle
		s.log.Warn().Err(err).Msg("Backup pruning failed")
	}

	return nil
}

// ListBackups returns stored backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]ObjectInfo, error) {
	objects, err := s.store.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key > objects[j].Key
	})
	return objects, nil
}

// writeArchive streams every .db file in the data dir plus metadata.json
// into a tar.gz written to w.
func (s *BackupService) writeArchive(w io.Writer) (*BackupMetadata, error) {
	paths, err := filepath.Glob(filepath.Join(s.dataDir, "*.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan data dir: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no database files found in %s", s.dataDir)
	}
	sort.Strings(paths)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	metadata := &BackupMetadata{Timestamp: time.Now().UTC()}

	for _, path := range paths {
		fm, err := s.addFile(tw, path)
		if err != nil {
			return nil, err
		}
		metadata.Files = append(metadata.Files, *fm)
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	header := &tar.Header{
		Name:    "metadata.json",
		Mode:    0644,
		Size:    int64(len(metaJSON)),
		ModTime: metadata.Timestamp,
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write metadata header: %w", err)
	}
	if _, err := tw.Write(metaJSON); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compression: %w", err)
	}

	return metadata, nil
}

func (s *BackupService) addFile(tw *tar.Writer, path string) (*FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write header for %s: %w", path, err)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, hash), f); err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", path, err)
	}

	return &FileMetadata{
		Filename:  filepath.Base(path),
		SizeBytes: info.Size(),
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func (s *BackupService) objectKey(ts time.Time) string {
	return fmt.Sprintf("%s/backup-%s%s", s.prefix, ts.Format(backupTimeFormat), backupSuffix)
}

// prune deletes backups beyond the retention count, oldest first.
func (s *BackupService) prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= s.retention {
		return nil
	}

	for _, obj := range backups[s.retention:] {
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			return err
		}
		s.log.Info().Str("key", obj.Key).Msg("Pruned old backup")
	}
	return nil
}

// BackupJob adapts the backup service to the scheduler.
type BackupJob struct {
	service *BackupService
}

func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	return j.service.CreateAndUpload(ctx)
}

func (j *BackupJob) Name() string {
	return "cloud_backup"
}
