package local

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const maxStderrBytes = 4 * 1024

// Runner executes ffmpeg with the given arguments.
type Runner interface {
	Run(ctx context.Context, args ...string) error
}

// ExecRunner runs the ffmpeg binary as a subprocess.
type ExecRunner struct {
	Binary string
}

// FindFFmpeg returns a runner for the ffmpeg on PATH, or nil if there is none.
func FindFFmpeg() Runner {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil
	}
	return &ExecRunner{Binary: path}
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Binary, append([]string{"-y", "-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := stderr.String()
		if len(tail) > maxStderrBytes {
			tail = tail[len(tail)-maxStderrBytes:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(tail))
	}
	return nil
}

// Frame is an output resolution.
type Frame struct {
	Width, Height int
}

// FrameFor maps an aspect ratio to a 1080p-class output frame.
func FrameFor(aspect string) Frame {
	switch aspect {
	case "16:9":
		return Frame{1920, 1080}
	case "1:1":
		return Frame{1080, 1080}
	case "4:5":
		return Frame{1080, 1350}
	default:
		return Frame{1080, 1920}
	}
}

func (f Frame) String() string { return fmt.Sprintf("%dx%d", f.Width, f.Height) }

// kenBurnsArgs zooms slowly into a still image from 1.0 to 1.1.
func kenBurnsArgs(image, out string, seconds float64, frame Frame, fps int) []string {
	frames := int(seconds * float64(fps))
	if frames < 1 {
		frames = 1
	}
	rate := 0.1 / float64(frames)
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,"+
			"zoompan=z='1.0+(%.6f*on)':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:s=%s:fps=%d",
		frame.Width*6/5, frame.Height*6/5, frame.Width, frame.Height, rate, frames, frame, fps)
	return []string{
		"-loop", "1", "-i", image,
		"-vf", filter,
		"-t", formatSeconds(seconds),
		"-c:v", "libx264", "-preset", "fast", "-pix_fmt", "yuv420p",
		out,
	}
}

// endCardArgs draws centred text lines onto a solid background.
func endCardArgs(lines []string, out string, frame Frame) []string {
	var filters []string
	step := frame.Height / 12
	top := frame.Height/2 - step*len(lines)/2
	for i, line := range lines {
		size := frame.Width / 14
		if i > 0 {
			size = frame.Width / 20
		}
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=white:fontsize=%d:x=(w-text_w)/2:y=%d",
			escapeDrawText(line), size, top+i*step))
	}
	vf := "null"
	if len(filters) > 0 {
		vf = strings.Join(filters, ",")
	}
	return []string{
		"-f", "lavfi", "-i", fmt.Sprintf("color=c=black:s=%s", frame),
		"-vf", vf,
		"-frames:v", "1",
		out,
	}
}

// assembleArgs concatenates clips listed in a concat file and mixes the
// optional voice and music tracks underneath.
func assembleArgs(listFile, voice, music, out string) []string {
	args := []string{"-f", "concat", "-safe", "0", "-i", listFile}
	var mix []string
	idx := 1
	if voice != "" {
		args = append(args, "-i", voice)
		mix = append(mix, fmt.Sprintf("[%d:a]volume=1.0[a%d]", idx, idx))
		idx++
	}
	if music != "" {
		// Music beds are short loops; repeat them under the whole ad.
		args = append(args, "-stream_loop", "-1", "-i", music)
		mix = append(mix, fmt.Sprintf("[%d:a]volume=0.25[a%d]", idx, idx))
		idx++
	}

	args = append(args, "-map", "0:v")
	switch idx {
	case 1:
		args = append(args, "-an")
	case 2:
		args = append(args, "-filter_complex", mix[0], "-map", "[a1]")
	default:
		args = append(args, "-filter_complex",
			strings.Join(mix, ";")+";[a1][a2]amix=inputs=2:duration=first[aout]",
			"-map", "[aout]")
	}
	return append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-shortest", out)
}

func escapeDrawText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64)
}
