// Package xconfig is the aggregate, JSON-loaded configuration surface spec
// §6 lists, grounded on kcptun/server/config.go's parseJSONConfig: open a
// file, json.Decode straight into the struct, then validate.
package xconfig

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/xenocomm/xenocomm/xerr"
)

// FeedbackConfig configures the FeedbackStore (spec §4.8/§6).
type FeedbackConfig struct {
	MetricsWindowSize     int     `json:"metrics_window_size" validate:"gte=0"`
	MaxStoredOutcomes     int     `json:"max_stored_outcomes" validate:"gte=0"`
	EnablePersistence     bool    `json:"enable_persistence"`
	EnableDetailedAnalysis bool   `json:"enable_detailed_analysis"`
	ForecastHorizon       int     `json:"forecast_horizon" validate:"gte=0"`
	OutlierThreshold      float64 `json:"outlier_threshold" validate:"gt=0"`
}

// FragmentConfig configures the Fragmenter (spec §4.2/§6).
type FragmentConfig struct {
	MaxFragmentSize    int `json:"max_fragment_size" validate:"gt=0"`
	ReassemblyTimeoutMS int `json:"reassembly_timeout_ms" validate:"gt=0"`
	MaxFragments       int `json:"max_fragments" validate:"gt=0"`
	FragmentBufferSize int `json:"fragment_buffer_size" validate:"gt=0"`
}

// RetransmissionConfig configures retry behavior (spec §4.7/§6).
type RetransmissionConfig struct {
	MaxRetries    int `json:"max_retries" validate:"gte=0"`
	RetryTimeoutMS int `json:"retry_timeout_ms" validate:"gt=0"`
	AckTimeoutMS  int `json:"ack_timeout_ms" validate:"gt=0"`
}

// FlowConfig configures the FlowController (spec §4.3/§6).
type FlowConfig struct {
	InitialWindowSize   int     `json:"initial_window_size" validate:"gt=0"`
	MinWindowSize       int     `json:"min_window_size" validate:"gt=0"`
	MaxWindowSize       int     `json:"max_window_size" validate:"gtfield=MinWindowSize"`
	RTTSmoothingFactor  float64 `json:"rtt_smoothing_factor" validate:"gt=0,lt=1"`
	CongestionThreshold float64 `json:"congestion_threshold" validate:"gt=0"`
	BackoffMultiplier   float64 `json:"backoff_multiplier" validate:"gt=1"`
	RecoveryMultiplier  float64 `json:"recovery_multiplier" validate:"gt=1"`
	MinRTTSamples       int     `json:"min_rtt_samples" validate:"gt=0"`
}

// SecurityConfig configures SecureChannel establishment (spec §4.4/§6, and
// §9's decision to merge the reference's two overlapping SecurityConfig
// shapes into this single struct).
type SecurityConfig struct {
	EnableEncryption  bool     `json:"enable_encryption"`
	RequireEncryption bool     `json:"require_encryption"`
	VerifyHostname    bool     `json:"verify_hostname"`
	ExpectedHostname  string   `json:"expected_hostname"`
	ALPNProtocols     []string `json:"alpn_protocols"`
}

// BatchConfig configures SecureChannel record batching (spec §4.4/§6).
type BatchConfig struct {
	Enabled             bool `json:"enabled"`
	MaxBatchSize        int  `json:"max_batch_size" validate:"gt=0"`
	MinMessageSize      int  `json:"min_message_size" validate:"gte=0"`
	MaxMessagesPerBatch int  `json:"max_messages_per_batch" validate:"gt=0"`
	MaxDelayMS          int  `json:"max_delay_ms" validate:"gt=0"`
}

// AdaptiveConfig configures SecureChannel adaptive record sizing (spec
// §4.4/§6).
type AdaptiveConfig struct {
	Enabled      bool    `json:"enabled"`
	MinSize      int     `json:"min_size" validate:"gt=0"`
	MaxSize      int     `json:"max_size" validate:"gtfield=MinSize"`
	InitialSize  int     `json:"initial_size" validate:"gt=0"`
	RTTWindowMS  int     `json:"rtt_window_ms" validate:"gt=0"`
	GrowthFactor float64 `json:"growth_factor" validate:"gt=1"`
	ShrinkFactor float64 `json:"shrink_factor" validate:"gt=0,lt=1"`
}

// Config is the full recognized configuration surface (spec §6).
type Config struct {
	Feedback       FeedbackConfig       `json:"feedback" validate:"required"`
	Fragment       FragmentConfig       `json:"fragment" validate:"required"`
	Retransmission RetransmissionConfig `json:"retransmission" validate:"required"`
	Flow           FlowConfig           `json:"flow" validate:"required"`
	Security       SecurityConfig       `json:"security"`
	Batch          BatchConfig          `json:"batch"`
	Adaptive       AdaptiveConfig       `json:"adaptive"`
}

var validate = validator.New()

// Load opens path, decodes it as JSON into a Config, and validates it.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, xerr.Wrap(xerr.Validation, "xconfig.Load", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, xerr.Wrap(xerr.Validation, "xconfig.Load", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, xerr.Wrap(xerr.Validation, "xconfig.Load", err)
	}
	return cfg, nil
}

// Default returns the spec's suggested defaults for every field.
func Default() Config {
	return Config{
		Feedback: FeedbackConfig{
			MetricsWindowSize:      3600,
			MaxStoredOutcomes:      10000,
			EnablePersistence:      false,
			EnableDetailedAnalysis: true,
			ForecastHorizon:        5,
			OutlierThreshold:       3.0,
		},
		Fragment: FragmentConfig{
			MaxFragmentSize:     1400,
			ReassemblyTimeoutMS: 30000,
			MaxFragments:        65535,
			FragmentBufferSize:  256,
		},
		Retransmission: RetransmissionConfig{
			MaxRetries:     5,
			RetryTimeoutMS: 200,
			AckTimeoutMS:   1000,
		},
		Flow: FlowConfig{
			InitialWindowSize:   16384,
			MinWindowSize:       1024,
			MaxWindowSize:       1 << 20,
			RTTSmoothingFactor:  0.125,
			CongestionThreshold: 0.5,
			BackoffMultiplier:   2,
			RecoveryMultiplier:  1.5,
			MinRTTSamples:       4,
		},
		Security: SecurityConfig{
			EnableEncryption:  true,
			RequireEncryption: false,
			VerifyHostname:    false,
		},
		Batch: BatchConfig{
			Enabled:             false,
			MaxBatchSize:        16384,
			MinMessageSize:      64,
			MaxMessagesPerBatch: 32,
			MaxDelayMS:          10,
		},
		Adaptive: AdaptiveConfig{
			Enabled:      false,
			MinSize:      512,
			MaxSize:      16384,
			InitialSize:  1400,
			RTTWindowMS:  60000,
			GrowthFactor: 1.2,
			ShrinkFactor: 0.8,
		},
	}
}
