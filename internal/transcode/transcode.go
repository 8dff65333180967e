package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"soundline/internal/archive"
)

// Result describes one successfully produced opus file.
type Result struct {
	OpusPath         string
	OriginalFilename string
	FileSizeBytes    int64
	DurationSeconds  *float64
}

// Transcoder converts source audio files to opus. Implemented by the
// ffmpeg-backed Pool; faked in worker tests.
type Transcoder interface {
	ConvertAll(ctx context.Context, sources []string, outDir string) []Result
}

// Pool converts audio files to opus with a fixed number of concurrent
// ffmpeg processes.
type Pool struct {
	Workers       int
	Bitrate       string
	CodecTimeout  time.Duration
	ProbeDuration bool
}

// NewPool creates a conversion pool.
func NewPool(workers int, bitrate string, codecTimeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		Workers:       workers,
		Bitrate:       bitrate,
		CodecTimeout:  codecTimeout,
		ProbeDuration: true,
	}
}

type convertReq struct {
	Source string
}

// ConvertAll converts every source file into {stem}.opus inside outDir.
// Per-file failures are logged and skipped; the source file of each
// successful conversion is deleted to reclaim scratch space.
func (p *Pool) ConvertAll(ctx context.Context, sources []string, outDir string) []Result {
	jobs := make(chan convertReq, len(sources))
	results := make(chan *Result, len(sources))

	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.convertWorker(ctx, jobs, results)
		}()
	}

	for _, src := range sources {
		jobs <- convertReq{Source: src}
	}
	close(jobs)
	wg.Wait()
	close(results)

	var converted []Result
	for res := range results {
		if res != nil {
			converted = append(converted, *res)
		}
	}
	return converted
}

func (p *Pool) convertWorker(ctx context.Context, jobs <-chan convertReq, results chan<- *Result) {
	for job := range jobs {
		select {
		case <-ctx.Done():
			results <- nil
			return
		default:
		}

		res, err := p.convertOne(ctx, job.Source)
		if err != nil {
			slog.Warn("Conversion failed, skipping file", "source", filepath.Base(job.Source), "error", err)
			results <- nil
			continue
		}
		results <- res
	}
}

func (p *Pool) convertOne(ctx context.Context, source string) (*Result, error) {
	outDir := filepath.Dir(source)
	opusPath := filepath.Join(outDir, archive.Stem(source)+".opus")

	cmdCtx, cancel := context.WithTimeout(ctx, p.CodecTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx,
		"ffmpeg",
		"-y",
		"-i", source,
		"-c:a", "libopus",
		"-b:a", p.Bitrate,
		"-vn",
		opusPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(opusPath)
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, truncate(string(output), 400))
	}

	info, err := os.Stat(opusPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg produced no output: %w", err)
	}

	res := &Result{
		OpusPath:         opusPath,
		OriginalFilename: filepath.Base(source),
		FileSizeBytes:    info.Size(),
	}

	if p.ProbeDuration {
		// Non-fatal: a clip with unknown duration still enters the batch
		if dur, err := ProbeDuration(ctx, opusPath); err != nil {
			slog.Debug("Duration probe failed", "path", opusPath, "error", err)
		} else {
			res.DurationSeconds = &dur
		}
	}

	// Source is no longer needed once the opus exists
	if err := os.Remove(source); err != nil {
		slog.Warn("Failed to remove source file", "path", source, "error", err)
	}

	return res, nil
}

// ProbeDuration reads a clip's duration in seconds via ffprobe.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx,
		"ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable ffprobe output %q: %w", out.String(), err)
	}
	return dur, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
