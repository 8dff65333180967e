package inference

import "context"

// Transcription is the typed output of the speech-to-text collaborator.
type Transcription struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Classification is the typed output of the content classifier after
// defensive parsing.
type Classification struct {
	Flagged  bool    `json:"flagged"`
	Score    float64 `json:"score"`
	Category *string `json:"category"`
}

// Transcriber converts an audio clip to text. The model behind it is a
// black box to the pipeline.
type Transcriber interface {
	Transcribe(ctx context.Context, opusPath string) (*Transcription, error)
}

// Classifier scores a transcript for content of interest. Its raw output
// is untrusted and goes through ParseClassifierOutput before persistence.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}
