// Package storage migrates finished assets from local disk to the object
// store under disk pressure and applies retention to migrated objects.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/psalmprax/ettametta/clients"
	"github.com/psalmprax/ettametta/config"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
)

// RefStore rewrites database references during migration. The rewrite is
// transactional: either every reference points at the object key or none do.
type RefStore interface {
	MigrateRefs(ctx context.Context, localPath, objectKey string) error
}

// Manager owns the outputs directory lifecycle. It is driven by the daily
// periodic task; the single-flight guard in the scheduler means at most one
// run touches the directory at a time.
type Manager struct {
	OutputsDir     string
	ObjectStoreURL string // drivers-style OS URL; empty disables migration
	ThresholdBytes int64
	DrainTarget    float64
	RetentionDays  int

	refStore RefStore
	signer   *LocalSigner
	// swapped out in tests
	uploadFn func(osURL, filename string, data io.Reader, timeout time.Duration) error
	// optional direct S3 surface for retention listing; nil skips retention
	s3Bucket string
	s3Client *s3.S3
	tempDir  string
}

func NewManager(outputsDir, objectStoreURL, tempDir string, refStore RefStore, signer *LocalSigner, s3Client *s3.S3, s3Bucket string) *Manager {
	return &Manager{
		OutputsDir:     outputsDir,
		ObjectStoreURL: objectStoreURL,
		ThresholdBytes: config.StorageThresholdBytes,
		DrainTarget:    config.StorageDrainTarget,
		RetentionDays:  config.StorageRetentionDays,
		refStore:       refStore,
		signer:         signer,
		uploadFn:       clients.UploadToOSURL,
		s3Client:       s3Client,
		s3Bucket:       s3Bucket,
		tempDir:        tempDir,
	}
}

// RunLifecycle is the daily task body: threshold enforcement then retention.
func (m *Manager) RunLifecycle(ctx context.Context) error {
	if err := m.EnforceThreshold(ctx); err != nil {
		return err
	}
	return m.ApplyRetention(ctx)
}

type fileEntry struct {
	path  string
	size  int64
	mtime time.Time
}

// EnforceThreshold migrates the oldest files until the directory fits under
// the drain target.
func (m *Manager) EnforceThreshold(ctx context.Context) error {
	files, total, err := m.listOutputs()
	if err != nil {
		return err
	}
	log.LogNoJobID("storage lifecycle check", "outputs_bytes", total, "threshold_bytes", m.ThresholdBytes)

	if total <= m.ThresholdBytes {
		return nil
	}
	if m.ObjectStoreURL == "" {
		log.LogNoJobID("outputs over threshold but no object store configured")
		return nil
	}

	target := int64(float64(m.ThresholdBytes) * m.DrainTarget)
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	for _, f := range files {
		if total <= target {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.migrate(ctx, f.path); err != nil {
			log.LogNoJobID("migration failed, keeping local file", "path", f.path, "err", err.Error())
			continue
		}
		total -= f.size
		metrics.Metrics.StorageMigratedBytes.Add(float64(f.size))
		log.LogNoJobID("migrated output to object store", "path", f.path, "freed_bytes", f.size)
	}
	return nil
}

// migrate uploads the file, rewrites every DB reference in one transaction,
// and only then deletes the local copy. Any failure keeps the file; an
// orphaned upload is harmless and retention collects it eventually.
func (m *Manager) migrate(ctx context.Context, localPath string) error {
	key := filepath.Base(localPath)

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	err = m.uploadFn(m.ObjectStoreURL, key, f, 5*time.Minute)
	f.Close()
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	if err := m.refStore.MigrateRefs(ctx, localPath, key); err != nil {
		return fmt.Errorf("rewriting references for %s: %w", key, err)
	}

	if err := os.Remove(localPath); err != nil {
		// references already point at the object store, which still resolves
		log.LogNoJobID("failed to delete migrated local file", "path", localPath, "err", err.Error())
	}
	return nil
}

// ApplyRetention deletes migrated objects older than the retention window.
func (m *Manager) ApplyRetention(ctx context.Context) error {
	if m.s3Client == nil || m.s3Bucket == "" {
		return nil
	}
	cutoff := config.Clock.GetTime().UTC().AddDate(0, 0, -m.RetentionDays)

	var deleteErr error
	err := m.s3Client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.s3Bucket),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			_, err := m.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.s3Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				deleteErr = err
				continue
			}
			log.LogNoJobID("deleted expired object", "key", *obj.Key)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("listing bucket for retention: %w", err)
	}
	return deleteErr
}

// Resolve turns a stored reference (absolute local path or object key) into
// a servable URL: presigned for the object store, signed static URL locally.
func (m *Manager) Resolve(ref string) (string, error) {
	if filepath.IsAbs(ref) {
		if m.signer == nil {
			return "file://" + ref, nil
		}
		return m.signer.SignPath(ref)
	}
	osURL, err := url.Parse(m.ObjectStoreURL)
	if err != nil {
		return "", fmt.Errorf("bad object store URL: %w", err)
	}
	return clients.SignURL(osURL.JoinPath(ref))
}

// Localize materializes a reference as a local file for upload. Local paths
// pass through; object keys are downloaded to the temp directory.
func (m *Manager) Localize(ctx context.Context, ref string) (string, func(), error) {
	noop := func() {}
	if filepath.IsAbs(ref) {
		if _, err := os.Stat(ref); err != nil {
			return "", noop, err
		}
		return ref, noop, nil
	}

	osURL, err := url.Parse(m.ObjectStoreURL)
	if err != nil {
		return "", noop, err
	}
	rc, err := clients.DownloadOSURL(osURL.JoinPath(ref).String())
	if err != nil {
		return "", noop, err
	}
	defer rc.Close()

	if err := os.MkdirAll(m.tempDir, 0755); err != nil {
		return "", noop, err
	}
	local := filepath.Join(m.tempDir, "localized_"+filepath.Base(ref))
	f, err := os.Create(local)
	if err != nil {
		return "", noop, err
	}
	if _, err := f.ReadFrom(rc); err != nil {
		f.Close()
		os.Remove(local)
		return "", noop, err
	}
	f.Close()
	return local, func() { os.Remove(local) }, nil
}

func (m *Manager) listOutputs() ([]fileEntry, int64, error) {
	var files []fileEntry
	var total int64
	err := filepath.Walk(m.OutputsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		files = append(files, fileEntry{path: path, size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	return files, total, err
}
