package video

import (
	"bytes"
	"fmt"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/psalmprax/ettametta/log"
)

// EncodeOptions pin the output profile.
type EncodeOptions struct {
	UseGPU bool
	FPS    int
}

const (
	encodeCRF        = 18
	encodeMaxBitrate = "12M"
	encodeBufSize    = "24M"
	encodePreset     = "slower"
	defaultFPS       = 30
	degradedFPS      = 24
)

// Encode runs the assembled filter graph into outPath. The encoder ladder is
// NVENC → libx264 → libx264 at 24fps; only the last rung's failure is fatal.
func Encode(jobID string, video, audio *ffmpeg.Stream, outPath string, opts EncodeOptions) error {
	fps := opts.FPS
	if fps == 0 {
		fps = defaultFPS
	}

	if opts.UseGPU {
		if err := run(video, audio, outPath, "h264_nvenc", fps); err != nil {
			log.LogError(jobID, "gpu encode failed, retrying with software encoder", err)
		} else {
			return nil
		}
	}
	if err := run(video, audio, outPath, "libx264", fps); err != nil {
		log.LogError(jobID, "software encode failed, retrying at reduced frame rate", err)
		return run(video, audio, outPath, "libx264", degradedFPS)
	}
	return nil
}

func run(video, audio *ffmpeg.Stream, outPath, codec string, fps int) error {
	kwargs := ffmpeg.KwArgs{
		"c:v":     codec,
		"maxrate": encodeMaxBitrate,
		"bufsize": encodeBufSize,
		"r":       fmt.Sprintf("%d", fps),
		"c:a":     "aac",
	}
	if codec == "h264_nvenc" {
		// NVENC has no CRF; constant-quality mode is the equivalent knob
		kwargs["cq"] = fmt.Sprintf("%d", encodeCRF)
		kwargs["preset"] = "p7"
	} else {
		kwargs["crf"] = fmt.Sprintf("%d", encodeCRF)
		kwargs["preset"] = encodePreset
	}

	streams := []*ffmpeg.Stream{video}
	if audio != nil {
		streams = append(streams, audio)
	}

	ffmpegErr := bytes.Buffer{}
	err := ffmpeg.Output(streams, outPath, kwargs).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return fmt.Errorf("encode with %s failed [%s]: %w", codec, truncate(ffmpegErr.String(), 512), err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
