package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Defaults for the simulation engine. Interval values are seconds.
const (
	DefaultTenantID                   = "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"
	DefaultRealtimeProductionInterval = 5
	DefaultEquipmentStatusInterval    = 10
	DefaultProductionResultInterval   = 60
	DefaultDefectDetailInterval       = 120
	DefaultOEECalculationInterval     = 3600
	DefaultERPTransactionInterval     = 1800
	DefaultBaseDefectRate             = 0.02
	DefaultProductionVariance         = 0.10
	DefaultMinGapSeconds              = 60
	DefaultGapFillBatchSize           = 100
)

// Config holds all configuration for the application
type Config struct {
	// Database (simulation target, PostgreSQL)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Local run journal (SQLite)
	JournalPath string

	// API Server
	APIPort string
	APIHost string

	// Kafka event sink (optional; empty brokers disables it)
	KafkaBrokers string
	KafkaTopic   string

	// Logging
	LogLevel string

	// Simulation engine settings from YAML
	Simulation SimulationConfig `mapstructure:"simulation"`

	// Scenario definition manager
	ScenarioManager *ScenarioConfigManager
}

// SimulationConfig holds the engine options. Only EnabledScenarios,
// BaseDefectRate and ProductionVariance may change while the engine is
// running; everything else is read once at Start.
type SimulationConfig struct {
	TenantID string `mapstructure:"tenant_id" json:"tenant_id"`

	RealtimeProductionInterval int `mapstructure:"realtime_production_interval" json:"realtime_production_interval"`
	EquipmentStatusInterval    int `mapstructure:"equipment_status_interval" json:"equipment_status_interval"`
	ProductionResultInterval   int `mapstructure:"production_result_interval" json:"production_result_interval"`
	DefectDetailInterval       int `mapstructure:"defect_detail_interval" json:"defect_detail_interval"`
	OEECalculationInterval     int `mapstructure:"oee_calculation_interval" json:"oee_calculation_interval"`
	ERPTransactionInterval     int `mapstructure:"erp_transaction_interval" json:"erp_transaction_interval"`

	BaseDefectRate     float64 `mapstructure:"base_defect_rate" json:"base_defect_rate"`
	ProductionVariance float64 `mapstructure:"production_variance" json:"production_variance"`

	EnabledScenarios []string `mapstructure:"enabled_scenarios" json:"enabled_scenarios"`

	AutoGapFill      bool `mapstructure:"auto_gap_fill" json:"auto_gap_fill"`
	MinGapSeconds    int  `mapstructure:"min_gap_seconds" json:"min_gap_seconds"`
	GapFillBatchSize int  `mapstructure:"gap_fill_batch_size" json:"gap_fill_batch_size"`
}

// DefaultSimulation returns the engine defaults.
func DefaultSimulation() SimulationConfig {
	return SimulationConfig{
		TenantID:                   DefaultTenantID,
		RealtimeProductionInterval: DefaultRealtimeProductionInterval,
		EquipmentStatusInterval:    DefaultEquipmentStatusInterval,
		ProductionResultInterval:   DefaultProductionResultInterval,
		DefectDetailInterval:       DefaultDefectDetailInterval,
		OEECalculationInterval:     DefaultOEECalculationInterval,
		ERPTransactionInterval:     DefaultERPTransactionInterval,
		BaseDefectRate:             DefaultBaseDefectRate,
		ProductionVariance:         DefaultProductionVariance,
		AutoGapFill:                true,
		MinGapSeconds:              DefaultMinGapSeconds,
		GapFillBatchSize:           DefaultGapFillBatchSize,
	}
}

// Validate checks ranges that the engine depends on.
func (s *SimulationConfig) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if s.BaseDefectRate < 0 || s.BaseDefectRate > 1 {
		return fmt.Errorf("base_defect_rate must be in [0,1], got %v", s.BaseDefectRate)
	}
	if s.ProductionVariance < 0 || s.ProductionVariance > 1 {
		return fmt.Errorf("production_variance must be in [0,1], got %v", s.ProductionVariance)
	}
	if s.MinGapSeconds < 0 {
		return fmt.Errorf("min_gap_seconds must be >= 0, got %d", s.MinGapSeconds)
	}
	for name, v := range map[string]int{
		"realtime_production_interval": s.RealtimeProductionInterval,
		"equipment_status_interval":    s.EquipmentStatusInterval,
		"production_result_interval":   s.ProductionResultInterval,
		"defect_detail_interval":       s.DefectDetailInterval,
		"oee_calculation_interval":     s.OEECalculationInterval,
		"erp_transaction_interval":     s.ERPTransactionInterval,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// LoadConfig loads configuration from .env and config.yaml
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional, only warn
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	// Load YAML configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")

	yamlFound := true
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
		yamlFound = false
	}

	config := &Config{
		// Load from environment variables
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnvAsInt("DB_PORT", 5432),
		DBName:       getEnv("DB_NAME", "factory_db"),
		DBUser:       getEnv("DB_USER", "factory_user"),
		DBPassword:   getEnv("DB_PASSWORD", ""),
		DBSSLMode:    getEnv("DB_SSLMODE", "disable"),
		JournalPath:  getEnv("JOURNAL_PATH", "./data/simulator.db"),
		APIPort:      getEnv("API_PORT", "8080"),
		APIHost:      getEnv("API_HOST", "0.0.0.0"),
		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "factory.simulation.events"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Simulation:   DefaultSimulation(),
	}

	// YAML overrides engine defaults where present
	if yamlFound {
		if err := viper.UnmarshalKey("simulation", &config.Simulation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simulation config: %w", err)
		}
	}
	if config.Simulation.GapFillBatchSize <= 0 {
		config.Simulation.GapFillBatchSize = DefaultGapFillBatchSize
	}

	if err := config.Simulation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}

	// Initialize Scenario Config Manager
	config.ScenarioManager = NewScenarioConfigManager("config_scenarios.json")
	if err := config.ScenarioManager.Load(); err != nil {
		fmt.Printf("Warning: Failed to load scenario config: %v\n", err)
	}

	return config, nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// getEnv reads an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
