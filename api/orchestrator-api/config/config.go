// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the orchestrator service configuration.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// Upstream realtime provider.
	UpstreamURL    string `mapstructure:"upstream_url" validate:"required"`
	UpstreamAPIKey string `mapstructure:"upstream_api_key"`

	// Knowledge catalogs directory.
	KnowledgeDir string `mapstructure:"knowledge_dir" validate:"required"`

	// History database; empty disables persistence.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// Admission gate tunables. Cooldown must exceed typical room RT60;
	// the RMS floor sits between noise floor and a whisper.
	CooldownMs int     `mapstructure:"cooldown_ms" validate:"min=300"`
	MinRMS     float64 `mapstructure:"min_rms" validate:"min=1"`

	// Arbitration timings (milliseconds).
	ReflexEnabled        bool `mapstructure:"reflex_enabled"`
	MinDelayBeforeReflex int  `mapstructure:"min_delay_before_reflex_ms" validate:"min=0"`
	MaxReflexDuration    int  `mapstructure:"max_reflex_duration_ms" validate:"min=100"`
	TransitionGap        int  `mapstructure:"transition_gap_ms" validate:"min=0"`

	// Policy tunables.
	PIIMode               string  `mapstructure:"pii_mode" validate:"oneof=redact flag"`
	PartialMatchThreshold float64 `mapstructure:"partial_match_threshold" validate:"gt=0,lte=1"`

	// Retrieval caps.
	RetrievalTopK      int `mapstructure:"retrieval_top_k" validate:"min=1"`
	RetrievalMaxTokens int `mapstructure:"retrieval_max_tokens" validate:"min=1"`
	RetrievalMaxBytes  int `mapstructure:"retrieval_max_bytes" validate:"min=1"`
}

// InitConfig reads the env-file configuration, honoring ENV_PATH.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voice-orchestrator")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("UPSTREAM_URL", "wss://api.openai.com/v1/realtime")
	v.SetDefault("UPSTREAM_API_KEY", "")
	v.SetDefault("KNOWLEDGE_DIR", "knowledge")
	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("COOLDOWN_MS", 1500)
	v.SetDefault("MIN_RMS", 200)

	v.SetDefault("REFLEX_ENABLED", true)
	v.SetDefault("MIN_DELAY_BEFORE_REFLEX_MS", 400)
	v.SetDefault("MAX_REFLEX_DURATION_MS", 4000)
	v.SetDefault("TRANSITION_GAP_MS", 120)

	v.SetDefault("PII_MODE", "redact")
	v.SetDefault("PARTIAL_MATCH_THRESHOLD", 0.6)

	v.SetDefault("RETRIEVAL_TOP_K", 5)
	v.SetDefault("RETRIEVAL_MAX_TOKENS", 600)
	v.SetDefault("RETRIEVAL_MAX_BYTES", 4096)
}

// GetApplicationConfig decodes and validates the app config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
