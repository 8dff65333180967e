package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	// Blob store (S3-compatible, S3v4 signatures)
	BlobEndpoint  = os.Getenv("BLOB_ENDPOINT")
	BlobAccessKey = os.Getenv("BLOB_ACCESS_KEY")
	BlobSecretKey = os.Getenv("BLOB_SECRET_KEY")
	BlobBucket    = getEnvWithDefault("BLOB_BUCKET", "audio-pipeline")

	// Queue & counter service
	QueueHost = getEnvWithDefault("QUEUE_HOST", "localhost")
	QueuePort = getEnvInt("QUEUE_PORT", 6379)

	// Relational store
	DBHost     = getEnvWithDefault("DB_HOST", "localhost")
	DBPort     = getEnvInt("DB_PORT", 5432)
	DBName     = getEnvWithDefault("DB_NAME", "transcript_db")
	DBUser     = getEnvWithDefault("DB_USER", "transcript_user")
	DBPassword = os.Getenv("DB_PASSWORD")

	// Local scratch parent directory, shared by the co-located workers
	ScratchRoot = getEnvWithDefault("SCRATCH_ROOT", "/data/scratch")

	// Transcode settings
	OpusBitrate          = getEnvWithDefault("OPUS_BITRATE", "32k")
	TranscodeParallelism = getEnvInt("TRANSCODE_PARALLELISM", 4)
	CodecTimeoutSeconds  = getEnvInt("CODEC_TIMEOUT_SECONDS", 120)

	// GPU worker settings
	GPUMicroBatch = getEnvInt("GPU_MICRO_BATCH", 32)

	// Extensions recognised as audio clips during unpack
	AudioExtensions = splitExtensions(getEnvWithDefault("AUDIO_EXTENSIONS", ".mp3"))

	// Delete the source archive from the blob store on batch finalisation.
	// Default is retain, so a batch can be reprocessed.
	DeleteSourceArchive = getEnvWithDefault("DELETE_SOURCE_ARCHIVE", "false") == "true"

	// Operator introspection server; 0 disables it
	OpsPort = getEnvInt("OPS_PORT", 8090)

	// Inference collaborators: argv of the transcription and
	// classification commands, whitespace-separated. Both read typed
	// input and emit JSON on stdout; the pipeline treats them as black
	// boxes.
	TranscribeCommand = strings.Fields(os.Getenv("TRANSCRIBE_COMMAND"))
	ClassifyCommand   = strings.Fields(os.Getenv("CLASSIFY_COMMAND"))

	// Per-clip inference timeout
	InferenceTimeoutSeconds = getEnvInt("INFERENCE_TIMEOUT_SECONDS", 300)
)

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// splitExtensions parses a comma-separated extension list, normalising
// entries to a leading dot and lower case.
func splitExtensions(raw string) []string {
	var exts []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		exts = append(exts, part)
	}
	return exts
}

// QueueAddr returns the host:port of the queue & counter service.
func QueueAddr() string {
	return fmt.Sprintf("%s:%d", QueueHost, QueuePort)
}

// PostgresDSN returns the relational store connection string.
func PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		DBHost, DBPort, DBName, DBUser, DBPassword,
	)
}
