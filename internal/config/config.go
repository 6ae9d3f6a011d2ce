// SPDX-License-Identifier: MIT

// Package config loads all service configuration from the environment once
// at boot. Every numeric tunable is clamped to a sane operating range so a
// bad deployment cannot push the engine into pathological territory.
package config

import (
	"strings"
	"time"
)

// Config is the immutable runtime configuration.
type Config struct {
	AppTitle   string
	ListenAddr string
	DataDir    string

	// Optional API token gate. Empty disables authentication.
	APIAuthToken string

	// Upstream providers
	DeepgramAPIKey  string
	DeepgramBaseURL string
	HFToken         string
	HFKotobaURL     string

	// Upload and execution limits
	MaxUploadMB int
	Concurrency int // per-job segment fan-out
	JobWorkers  int // parallel jobs

	// HTTP client policy
	RequestTimeout   time.Duration
	RequestRetries   int
	UpstreamRateRPS  float64 // 0 disables pacing
	UpstreamRateBurst int

	// Cleanup policy
	AutoCleanupEnabled       bool
	CleanupInterval          time.Duration
	DoneRetention            time.Duration
	ErrorRetention           time.Duration
	OrphanRetention          time.Duration
	AutoCleanupAfterDownload bool
	DownloadGrace            time.Duration
	SecureDeletePasses       int

	// Models and languages
	DefaultModel string

	// Segmentation quality
	MaxSegmentSeconds           float64
	MinSegmentSeconds           float64
	MinTranscribeSegmentSeconds float64
	ShortSegmentMergeGapSeconds float64

	// VAD defaults
	VADThreshold     float64
	VADMinSilenceMS  int
	VADMinSpeechMS   int
	VADSpeechPadMS   int
	VADPresetDefault string

	// Metadata persistence
	MetaFlushInterval time.Duration
	LogMaxLines       int
	MetaLogMaxLines   int
}

// SupportedLanguages lists the accepted language codes.
var SupportedLanguages = map[string]bool{
	"auto": true, "zh": true, "en": true, "ja": true,
}

// SupportedModels lists the accepted transcription models.
var SupportedModels = map[string]bool{
	"nova-2-general":                  true,
	"nova-3-general":                  true,
	"whisper-large":                   true,
	"kotoba-tech/kotoba-whisper-v2.2": true,
}

// AllowedUploadExtensions is an advisory allow-list. Unknown extensions are
// accepted with a warning to keep compatibility with odd containers.
var AllowedUploadExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".mp4": true, ".aac": true,
	".flac": true, ".ogg": true, ".opus": true, ".webm": true, ".mov": true,
	".mkv": true, ".mpeg": true, ".mpg": true, ".mpga": true, ".mpe": true,
	".3gp": true, ".m4v": true, ".avi": true,
}

// Load reads the configuration from the environment.
func Load() Config {
	cfg := Config{
		AppTitle:   ParseString("APP_TITLE", "zimu STT studio"),
		ListenAddr: ParseString("LISTEN_ADDR", ":7860"),
		DataDir:    ParseString("DATA_DIR", "jobs"),

		APIAuthToken: ParseString("API_AUTH_TOKEN", ""),

		DeepgramAPIKey:  ParseString("DEEPGRAM_API_KEY", ""),
		DeepgramBaseURL: strings.TrimRight(ParseString("DEEPGRAM_BASE_URL", "https://api.deepgram.com/v1"), "/"),
		HFToken:         ParseString("HF_TOKEN", ""),
		HFKotobaURL:     ParseString("HF_KOTOBA_URL", "https://api-inference.huggingface.co/models/kotoba-tech/kotoba-whisper-v2.2"),

		MaxUploadMB: ParseInt("MAX_UPLOAD_MB", 4096, 1, 1<<20),
		Concurrency: ParseInt("CONCURRENCY", 20, 1, 64),
		JobWorkers:  ParseInt("JOB_WORKERS", 1, 1, 8),

		RequestTimeout:    time.Duration(ParseInt("REQUEST_TIMEOUT_SECONDS", 120, 10, 600)) * time.Second,
		RequestRetries:    ParseInt("REQUEST_RETRY_TIMES", 2, 0, 6),
		UpstreamRateRPS:   ParseFloat("UPSTREAM_RATE_LIMIT_RPS", 0, 0, 1000),
		UpstreamRateBurst: ParseInt("UPSTREAM_RATE_LIMIT_BURST", 8, 1, 256),

		AutoCleanupEnabled:       ParseBool("AUTO_CLEANUP_ENABLED", true),
		CleanupInterval:          time.Duration(ParseInt("CLEANUP_INTERVAL_SECONDS", 120, 10, 86400)) * time.Second,
		DoneRetention:            time.Duration(ParseInt("DONE_RETENTION_SECONDS", 7200, 60, 1<<31)) * time.Second,
		ErrorRetention:           time.Duration(ParseInt("ERROR_RETENTION_SECONDS", 86400, 60, 1<<31)) * time.Second,
		OrphanRetention:          time.Duration(ParseInt("ORPHAN_RETENTION_SECONDS", 86400, 60, 1<<31)) * time.Second,
		AutoCleanupAfterDownload: ParseBool("AUTO_CLEANUP_AFTER_DOWNLOAD", false),
		DownloadGrace:            time.Duration(ParseInt("DOWNLOAD_GRACE_SECONDS", 60, 0, 1<<31)) * time.Second,
		SecureDeletePasses:       ParseInt("SECURE_DELETE_PASSES", 0, 0, 3),

		DefaultModel: ParseString("DEFAULT_MODEL", "nova-2-general"),

		MaxSegmentSeconds:           ParseFloat("MAX_SEGMENT_SECONDS", 15.0, 5.0, 30.0),
		MinSegmentSeconds:           ParseFloat("MIN_SEGMENT_SECONDS", 0.25, 0.1, 2.0),
		MinTranscribeSegmentSeconds: ParseFloat("MIN_TRANSCRIBE_SEGMENT_SECONDS", 0.45, 0.2, 2.0),
		ShortSegmentMergeGapSeconds: ParseFloat("SHORT_SEGMENT_MERGE_GAP_SECONDS", 0.2, 0.0, 1.0),

		VADThreshold:     ParseFloat("SILERO_VAD_THRESHOLD", 0.50, 0.1, 0.95),
		VADMinSilenceMS:  ParseInt("SILERO_MIN_SILENCE_MS", 400, 50, 3000),
		VADMinSpeechMS:   ParseInt("SILERO_MIN_SPEECH_MS", 220, 50, 3000),
		VADSpeechPadMS:   ParseInt("SILERO_SPEECH_PAD_MS", 120, 0, 1000),
		VADPresetDefault: strings.ToLower(ParseString("VAD_PRESET_DEFAULT", "general")),

		MetaFlushInterval: time.Duration(ParseFloat("META_FLUSH_INTERVAL_SECONDS", 0.8, 0.2, 5.0) * float64(time.Second)),
		LogMaxLines:       ParseInt("LOG_MAX_LINES", 1000, 100, 10000),
		MetaLogMaxLines:   ParseInt("META_LOG_MAX_LINES", 500, 50, 5000),
	}
	return cfg
}

// MaxUploadBytes returns the request body limit for uploads.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// AuthEnabled reports whether the optional API token gate is active.
func (c Config) AuthEnabled() bool {
	return c.APIAuthToken != ""
}
