package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandTranscriber shells out to a transcription command that reads an
// audio path as its last argument and prints a JSON object
// {"text": ..., "language": ..., "confidence": ...} on stdout. The model
// process loads its weights once and is typically a long-lived sidecar
// wrapped by a thin invocation script.
type CommandTranscriber struct {
	Command []string
	Timeout time.Duration
}

// NewCommandTranscriber builds a transcriber around the given argv.
func NewCommandTranscriber(command []string, timeout time.Duration) *CommandTranscriber {
	return &CommandTranscriber{Command: command, Timeout: timeout}
}

func (t *CommandTranscriber) Transcribe(ctx context.Context, opusPath string) (*Transcription, error) {
	if len(t.Command) == 0 {
		return nil, fmt.Errorf("transcriber command not configured")
	}

	out, err := runCommand(ctx, t.Timeout, append(t.Command, opusPath), "")
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	var result Transcription
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("unparseable transcriber output: %w", err)
	}
	if result.Language == "" {
		result.Language = "unknown"
	}
	result.Confidence = clamp01(result.Confidence)
	return &result, nil
}

// CommandClassifier shells out to a classification command that reads the
// transcript on stdin and prints its (possibly malformed) result on
// stdout. Output parsing is the caller's job via ParseClassifierOutput.
type CommandClassifier struct {
	Command []string
	Timeout time.Duration
}

// NewCommandClassifier builds a classifier around the given argv.
func NewCommandClassifier(command []string, timeout time.Duration) *CommandClassifier {
	return &CommandClassifier{Command: command, Timeout: timeout}
}

func (c *CommandClassifier) Classify(ctx context.Context, text string) (string, error) {
	if len(c.Command) == 0 {
		return "", fmt.Errorf("classifier command not configured")
	}

	out, err := runCommand(ctx, c.Timeout, c.Command, text)
	if err != nil {
		return "", fmt.Errorf("classification failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func runCommand(ctx context.Context, timeout time.Duration, argv []string, stdin string) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}
