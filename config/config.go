package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Namespace        string `mapstructure:"namespace"`
	ChunkSize        int64  `mapstructure:"chunk_size"`
	StatePath        string `mapstructure:"state_path"`
	OutputDir        string `mapstructure:"output_dir"`
	StatusInterval   int    `mapstructure:"status_interval_seconds"`
	StallIntervals   int    `mapstructure:"stall_intervals"`
	MissingCap       int    `mapstructure:"missing_cap"`
	Compression      bool   `mapstructure:"compression"`
	ParallelismRatio int    `mapstructure:"parallelism_ratio"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()

	viper.SetDefault("namespace", "orca")
	viper.SetDefault("chunk_size", 0) // 0 = derive from file size
	viper.SetDefault("state_path", "./state")
	viper.SetDefault("output_dir", "./received")
	viper.SetDefault("status_interval_seconds", 5)
	viper.SetDefault("stall_intervals", 6)
	viper.SetDefault("missing_cap", 500)
	viper.SetDefault("compression", false)
	viper.SetDefault("parallelism_ratio", 2)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("❌ Unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("✅ Configuration loaded successfully.")
}
