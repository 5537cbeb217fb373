package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backupchan/internal/logging"
)

// StorageInitializer prepares the directories the server writes to
type StorageInitializer struct {
	config *ServerConfig
	logger *logging.Logger
}

// NewStorageInitializer creates a new storage initializer
func NewStorageInitializer(config *ServerConfig, logger *logging.Logger) *StorageInitializer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &StorageInitializer{
		config: config,
		logger: logger,
	}
}

// InitializationResult represents the result of storage initialization
type InitializationResult struct {
	Success          bool
	ConfigValid      bool
	StorageReady     bool
	Warnings         []string
	Errors           []string
	RecommendedFixes []string
}

// Initialize validates the configuration and creates the recycle bin and
// temporary directories
func (si *StorageInitializer) Initialize() *InitializationResult {
	result := &InitializationResult{
		Success:      true,
		ConfigValid:  true,
		StorageReady: true,
	}
	log := si.logger.WithComponent("initializer")

	if err := si.config.Validate(); err != nil {
		result.Success = false
		result.ConfigValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Configuration validation failed: %v", err))
	}

	for _, dir := range si.directories() {
		if err := prepareDirectory(dir.path); err != nil {
			result.Success = false
			result.StorageReady = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s directory: %v", dir.name, err))
			result.RecommendedFixes = append(result.RecommendedFixes,
				fmt.Sprintf("Create %s and make it writable by the server user", dir.path))
			continue
		}
		log.WithField("path", dir.path).Debugf("%s directory ready", dir.name)
	}

	si.generateRecommendations(result)

	if result.Success {
		log.Info("Storage initialization completed successfully")
	} else {
		log.Warn("Storage initialization completed with errors")
	}
	return result
}

type storageDir struct {
	name string
	path string
}

func (si *StorageInitializer) directories() []storageDir {
	return []storageDir{
		{name: "recycle bin", path: si.config.RecycleBinPath},
		{name: "temporary", path: si.config.TempSavePath},
	}
}

// prepareDirectory creates path when missing and checks it accepts writes
func prepareDirectory(path string) error {
	if path == "" {
		return fmt.Errorf("path is not configured")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return checkWritable(path)
}

func checkWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".backupchan_write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("insufficient write permissions: %w", err)
	}
	os.Remove(testFile)
	return nil
}

func (si *StorageInitializer) generateRecommendations(result *InitializationResult) {
	if si.config.Database.Driver == "sqlite" && si.config.Database.Path == ":memory:" {
		result.Warnings = append(result.Warnings, "In-memory database loses all targets on restart")
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Set database.path to a file for persistent storage")
	}
	if si.config.TempSavePath == si.config.RecycleBinPath {
		result.Warnings = append(result.Warnings, "Temporary and recycle bin directories are the same")
		result.RecommendedFixes = append(result.RecommendedFixes,
			"Use a separate temp_save_path; the temporary purge job deletes old files in it")
	}
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Timestamp       time.Time         `json:"timestamp"`
	OverallHealth   string            `json:"overall_health"`   // healthy, degraded, unhealthy
	ComponentStatus map[string]string `json:"component_status"` // component -> status
	Issues          []string          `json:"issues"`
}

// RunHealthCheck checks the configuration and storage directories without
// creating anything
func (si *StorageInitializer) RunHealthCheck() *HealthCheckResult {
	result := &HealthCheckResult{
		Timestamp:       time.Now(),
		OverallHealth:   "healthy",
		ComponentStatus: make(map[string]string),
	}

	if err := si.config.Validate(); err != nil {
		result.ComponentStatus["configuration"] = "unhealthy"
		result.Issues = append(result.Issues, fmt.Sprintf("Configuration validation failed: %v", err))
		result.OverallHealth = "unhealthy"
	} else {
		result.ComponentStatus["configuration"] = "healthy"
	}

	for _, dir := range si.directories() {
		if err := checkWritable(dir.path); err != nil {
			result.ComponentStatus[dir.name] = "unhealthy"
			result.Issues = append(result.Issues, fmt.Sprintf("%s directory: %v", dir.name, err))
			if result.OverallHealth == "healthy" {
				result.OverallHealth = "degraded"
			}
			continue
		}
		result.ComponentStatus[dir.name] = "healthy"
	}

	return result
}
