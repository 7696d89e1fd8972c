package config

import (
	"encoding/json"
	"os"
	"sync"
)

// CorrelationRule declares one effect a scenario applies to generator
// output. Parameters are interpreted by the rule type: linear uses
// coefficient/intercept, threshold uses threshold/above_factor/below_factor,
// exponential uses base/reference/scale, step uses steps, multiplicative
// uses factor or factor_map.
type CorrelationRule struct {
	SourcePath string                 `json:"source_path"`
	TargetPath string                 `json:"target_path"`
	Type       string                 `json:"type"` // linear, multiplicative, threshold, exponential, step
	Parameters map[string]interface{} `json:"parameters"`
}

// ScenarioDefinition describes one anomaly scenario and when it is active.
type ScenarioDefinition struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Activation      string            `json:"activation"` // always, scheduled, random, condition
	Probability     float64           `json:"probability,omitempty"`
	Start           string            `json:"start,omitempty"` // RFC3339, for scheduled
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Condition       string            `json:"condition,omitempty"` // e.g. "equipment.temperature > 90"
	Rules           []CorrelationRule `json:"rules"`
}

// ScenarioConfigManager manages scenario definitions on disk
type ScenarioConfigManager struct {
	configPath string
	mu         sync.RWMutex
	Scenarios  map[string]ScenarioDefinition `json:"scenarios"` // Map ScenarioID -> Definition
}

// NewScenarioConfigManager creates a new manager
func NewScenarioConfigManager(path string) *ScenarioConfigManager {
	return &ScenarioConfigManager{
		configPath: path,
		Scenarios:  make(map[string]ScenarioDefinition),
	}
}

// Load reads the definitions from disk
func (m *ScenarioConfigManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Initialize empty file if not exists
			m.Scenarios = make(map[string]ScenarioDefinition)
			return m.saveInternal()
		}
		return err
	}

	if len(data) == 0 {
		m.Scenarios = make(map[string]ScenarioDefinition)
		return nil
	}

	return json.Unmarshal(data, &m.Scenarios)
}

// Save writes the definitions to disk
func (m *ScenarioConfigManager) Save(scenarios map[string]ScenarioDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Scenarios = scenarios
	return m.saveInternal()
}

// saveInternal writes to disk (must hold lock)
func (m *ScenarioConfigManager) saveInternal() error {
	data, err := json.MarshalIndent(m.Scenarios, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.configPath, data, 0644)
}

// GetScenario returns the definition for a scenario id
func (m *ScenarioConfigManager) GetScenario(id string) (ScenarioDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.Scenarios[id]
	return def, ok
}

// GetAll returns all definitions
func (m *ScenarioConfigManager) GetAll() map[string]ScenarioDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return copy
	copy := make(map[string]ScenarioDefinition)
	for k, v := range m.Scenarios {
		copy[k] = v
	}
	return copy
}
