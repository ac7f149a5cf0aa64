package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrUnsupportedAudio means the payload is not a decodable audio container.
// This is a terminal condition, not a transient one: retrying the same bytes
// cannot succeed.
var ErrUnsupportedAudio = errors.New("unsupported audio format")

// ErrToolUnavailable means ffmpeg/ffprobe is missing on this host. Also
// terminal: redelivering the job to the same host cannot help.
var ErrToolUnavailable = errors.New("audio tooling unavailable")

// Normalizer converts uploaded audio into the canonical form the speech
// service expects: mono, 16 kHz, signed 16-bit PCM WAV. It shells out to
// ffmpeg/ffprobe, so the binaries are resolved once at construction and
// Available reports whether they were found.
type Normalizer struct {
	ffmpegPath  string
	ffprobePath string
	checkErr    error
	logger      *zap.Logger
}

// NewNormalizer resolves the ffmpeg and ffprobe binaries from PATH.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{logger: logger}
	var err error
	if n.ffmpegPath, err = exec.LookPath("ffmpeg"); err != nil {
		n.checkErr = fmt.Errorf("%w: ffmpeg not found in PATH", ErrToolUnavailable)
		return n
	}
	if n.ffprobePath, err = exec.LookPath("ffprobe"); err != nil {
		n.checkErr = fmt.Errorf("%w: ffprobe not found in PATH", ErrToolUnavailable)
	}
	return n
}

// Available returns nil when both binaries were resolved.
func (n *Normalizer) Available() error {
	return n.checkErr
}

// DetectFormat probes the payload and returns a short container tag
// ("m4a", "mp3", "wav", ...). Undecodable payloads return ErrUnsupportedAudio.
func (n *Normalizer) DetectFormat(ctx context.Context, data []byte) (string, error) {
	if err := n.checkErr; err != nil {
		return "", err
	}
	in, err := writeTemp(data, "probe-*.bin")
	if err != nil {
		return "", err
	}
	defer os.Remove(in)

	cmd := exec.CommandContext(ctx, n.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		in,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", ErrUnsupportedAudio
	}
	name, err := parseProbeFormat(out)
	if err != nil {
		return "", err
	}
	tag := formatTag(name)
	if tag == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAudio, name)
	}
	return tag, nil
}

// Normalize transcodes the payload to canonical WAV. The input is probed
// first so a garbage payload surfaces as ErrUnsupportedAudio rather than as
// an opaque ffmpeg failure.
func (n *Normalizer) Normalize(ctx context.Context, data []byte) ([]byte, error) {
	tag, err := n.DetectFormat(ctx, data)
	if err != nil {
		return nil, err
	}

	in, err := writeTemp(data, "normalize-in-*."+tag)
	if err != nil {
		return nil, err
	}
	defer os.Remove(in)
	out := filepath.Join(filepath.Dir(in), filepath.Base(in)+".wav")
	defer os.Remove(out)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.ffmpegPath,
		"-y",
		"-i", in,
		"-ac", "1",
		"-ar", "16000",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		out,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		n.logger.Warn("ffmpeg transcode failed",
			zap.String("format", tag),
			zap.String("stderr", tail(stderr.String(), 512)))
		return nil, fmt.Errorf("%w: transcode from %s failed", ErrUnsupportedAudio, tag)
	}
	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read transcoded audio: %w", err)
	}
	return wav, nil
}

type probeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
	} `json:"format"`
}

func parseProbeFormat(out []byte) (string, error) {
	var res probeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return "", fmt.Errorf("parse ffprobe output: %w", err)
	}
	if res.Format.FormatName == "" {
		return "", ErrUnsupportedAudio
	}
	return res.Format.FormatName, nil
}

// formatTag maps an ffprobe format_name (a comma-separated demuxer list) to a
// short container tag, or "" when the container is not one we accept.
func formatTag(formatName string) string {
	for _, name := range strings.Split(formatName, ",") {
		switch strings.TrimSpace(name) {
		case "mp4", "m4a", "mov", "3gp":
			return "m4a"
		case "mp3":
			return "mp3"
		case "wav":
			return "wav"
		case "ogg":
			return "ogg"
		case "flac":
			return "flac"
		case "aac":
			return "aac"
		case "webm", "matroska":
			return "webm"
		}
	}
	return ""
}

func writeTemp(data []byte, pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
