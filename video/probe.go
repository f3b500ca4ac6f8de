package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// InputVideo carries the probe facts the pipeline needs.
type InputVideo struct {
	Path     string
	Duration float64
	Width    int
	Height   int
	FPS      float64
	HasAudio bool
	Codec    string
}

type Prober interface {
	ProbeFile(ctx context.Context, path string) (InputVideo, error)
}

type Probe struct{}

func (p Probe) ProbeFile(ctx context.Context, path string) (InputVideo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return InputVideo{}, fmt.Errorf("error probing %s: %w", path, err)
	}
	return parseProbeOutput(path, data)
}

func parseProbeOutput(path string, probeData *ffprobe.ProbeData) (InputVideo, error) {
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return InputVideo{}, errors.New("error checking for video: no video stream found")
	}

	fps := 0.0
	var num, den int
	if n, _ := fmt.Sscanf(videoStream.AvgFrameRate, "%d/%d", &num, &den); n == 2 && den != 0 {
		fps = float64(num) / float64(den)
	}

	return InputVideo{
		Path:     path,
		Duration: probeData.Format.DurationSeconds,
		Width:    videoStream.Width,
		Height:   videoStream.Height,
		FPS:      fps,
		HasAudio: probeData.FirstAudioStream() != nil,
		Codec:    videoStream.CodecName,
	}, nil
}
