package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/livepeer/go-tools/drivers"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
)

var maxRetryInterval = 5 * time.Second

func DownloadOSURL(osURL string) (io.ReadCloser, error) {
	fileInfoReader, err := GetOSURL(osURL, "")
	if err != nil {
		return nil, err
	}
	return fileInfoReader.Body, nil
}

func GetOSURL(osURL, byteRange string) (*drivers.FileInfoReader, error) {
	storageDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("failed to parse OS URL %q: %w", log.RedactURL(osURL), err))
	}

	start := time.Now()

	sess := storageDriver.NewSession("")
	info := sess.GetInfo()
	var host, bucket string
	if info != nil && info.S3Info != nil {
		host = info.S3Info.Host
		bucket = info.S3Info.Bucket
	}
	var fileInfoReader *drivers.FileInfoReader
	if byteRange == "" {
		fileInfoReader, err = sess.ReadData(context.Background(), "")
	} else {
		fileInfoReader, err = sess.ReadDataRange(context.Background(), "", byteRange)
	}

	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(host, "read").Inc()

		if errors.Is(err, drivers.ErrNotExist) {
			return nil, xerrors.Unretriable(fmt.Errorf("not found in OS %q: %w", bucket, err))
		}
		return nil, fmt.Errorf("failed to read from OS URL %q: %w", log.RedactURL(osURL), err)
	}

	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(host, "read").Observe(time.Since(start).Seconds())

	return fileInfoReader, nil
}

func UploadToOSURL(osURL, filename string, data io.Reader, timeout time.Duration) error {
	storageDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return fmt.Errorf("failed to parse OS URL %q: %s", log.RedactURL(osURL), err)
	}
	start := time.Now()

	var host string
	sess := storageDriver.NewSession("")
	info := sess.GetInfo()
	if info != nil && info.S3Info != nil {
		host = info.S3Info.Host
	}

	_, err = sess.SaveData(context.Background(), filename, data, nil, timeout)

	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(host, "write").Inc()
		return fmt.Errorf("failed to write to OS URL %q: %s", log.RedactURL(filepath.Join(osURL, filename)), err)
	}

	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(host, "write").Observe(time.Since(start).Seconds())

	return nil
}

func ListOSURL(ctx context.Context, osURL string) (drivers.PageInfo, error) {
	osDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return nil, fmt.Errorf("unexpected error parsing driver URL: %w", err)
	}
	os := osDriver.NewSession("")

	page, err := os.ListFiles(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("error listing files: %w", err)
	}

	return page, nil
}

// SignURL presigns object-store URLs; plain http(s)/file URLs pass through.
func SignURL(u *url.URL) (string, error) {
	if u.Scheme == "" || u.Scheme == "file" || u.Scheme == "http" || u.Scheme == "https" { // not an OS url
		return u.String(), nil
	}
	driver, err := drivers.ParseOSURL(u.String(), true)
	if err != nil {
		return "", fmt.Errorf("failed to parse OS url: %w", err)
	}

	sess := driver.NewSession("")
	signedURL, err := sess.Presign("", config.PresignDuration)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed url: %w", err)
	}
	return signedURL, nil
}

func newExponentialBackOffExecutor() *backoff.ExponentialBackOff {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 200 * time.Millisecond
	backOff.MaxInterval = maxRetryInterval
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	backOff.Reset()
	return backOff
}

func UploadRetryBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(newExponentialBackOffExecutor(), 5)
}
