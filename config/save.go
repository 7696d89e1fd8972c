package config

import (
	"sync"

	"github.com/spf13/viper"
)

var configMutex sync.Mutex

// SaveRuntimeSettings persists the runtime-mutable engine settings and
// writes them back to config.yaml. The caller (the engine) is responsible
// for rejecting changes to anything else while running.
func (c *Config) SaveRuntimeSettings(baseDefectRate, productionVariance float64, enabledScenarios []string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	c.Simulation.BaseDefectRate = baseDefectRate
	c.Simulation.ProductionVariance = productionVariance
	c.Simulation.EnabledScenarios = enabledScenarios

	viper.Set("simulation.base_defect_rate", baseDefectRate)
	viper.Set("simulation.production_variance", productionVariance)
	viper.Set("simulation.enabled_scenarios", enabledScenarios)

	return viper.WriteConfig()
}
