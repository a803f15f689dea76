package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"harvest/log"
)

const (
	ConfigFileName = "config.json"
	defaultProgram = "claude"
)

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".harvest"), nil
}

// GetStateDir returns the directory holding the per-repository session
// databases. The sandbox filesystem is ephemeral; in production this
// directory sits on the mounted state volume, so it can be overridden
// with HARVEST_STATE_DIR.
func GetStateDir() (string, error) {
	if dir := os.Getenv("HARVEST_STATE_DIR"); dir != "" {
		return dir, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "state"), nil
}

// Config represents the executor configuration
type Config struct {
	// DefaultProgram is the agent CLI to run in new sessions
	DefaultProgram string `json:"default_program"`
	// BranchPrefix is the prefix used for git branches created by the executor.
	BranchPrefix string `json:"branch_prefix"`
	// TurnTimeoutSecs bounds how long a single turn may run before the
	// demultiplexer gives up waiting for the completion sentinel.
	TurnTimeoutSecs int `json:"turn_timeout_secs"`
	// ValidationTimeoutSecs bounds each attempt of the git safety
	// engine's validation loop.
	ValidationTimeoutSecs int `json:"validation_timeout_secs"`
	// QueueDepth is the maximum number of prompts that may wait behind
	// the in-flight turn. 0 means unbounded (monitored via warnings).
	QueueDepth int `json:"queue_depth"`
	// RecentTurnWindow is how many stored turns are replayed into a
	// rebuilt context prompt.
	RecentTurnWindow int `json:"recent_turn_window"`
	// CheckpointRetentionDays is the advisory expiry recorded on
	// checkpoints. Actual deletion is performed by external maintenance.
	CheckpointRetentionDays int `json:"checkpoint_retention_days"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	program, err := GetAgentCommand()
	if err != nil {
		log.ErrorLog.Printf("failed to get agent command: %v", err)
		program = defaultProgram
	}

	return &Config{
		DefaultProgram: program,
		BranchPrefix: func() string {
			user, err := user.Current()
			if err != nil || user == nil || user.Username == "" {
				log.ErrorLog.Printf("failed to get current user: %v", err)
				return "session/"
			}
			return fmt.Sprintf("%s/", strings.ToLower(user.Username))
		}(),
		TurnTimeoutSecs:         1800,
		ValidationTimeoutSecs:   600,
		QueueDepth:              64,
		RecentTurnWindow:        10,
		CheckpointRetentionDays: 7,
	}
}

// TurnTimeout returns the configured turn timeout as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSecs) * time.Second
}

// ValidationTimeout returns the configured per-attempt validation timeout.
func (c *Config) ValidationTimeout() time.Duration {
	return time.Duration(c.ValidationTimeoutSecs) * time.Second
}

// GetAgentCommand attempts to find the agent CLI in the user's shell
// It checks in the following order:
// 1. Shell alias resolution: using "which" command
// 2. PATH lookup
//
// If both fail, it returns an error.
func GetAgentCommand() (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash" // Default to bash if SHELL is not set
	}

	// Force the shell to load the user's profile and then run the command
	// For zsh, source .zshrc; for bash, source .bashrc
	var shellCmd string
	if strings.Contains(shell, "zsh") {
		shellCmd = "source ~/.zshrc &>/dev/null || true; which claude"
	} else if strings.Contains(shell, "bash") {
		shellCmd = "source ~/.bashrc &>/dev/null || true; which claude"
	} else {
		shellCmd = "which claude"
	}

	cmd := exec.Command(shell, "-c", shellCmd)
	output, err := cmd.Output()
	if err == nil && len(output) > 0 {
		path := strings.TrimSpace(string(output))
		if path != "" {
			// Check if the output is an alias definition and extract the actual path
			// Handle formats like "claude: aliased to /path/to/claude" or other shell-specific formats
			aliasRegex := regexp.MustCompile(`(?:aliased to|->|=)\s*([^\s]+)`)
			matches := aliasRegex.FindStringSubmatch(path)
			if len(matches) > 1 {
				path = matches[1]
			}
			return path, nil
		}
	}

	// Otherwise, try to find in PATH directly
	claudePath, err := exec.LookPath("claude")
	if err == nil {
		return claudePath, nil
	}

	return "", fmt.Errorf("claude command not found in aliases or PATH")
}

func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		// Log the error with more context about what failed
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		log.ErrorLog.Printf("failed to parse config file at %s: %v\nConfig content preview: %s", configPath, err, preview)

		// Backup the corrupted config before falling back to defaults
		backupPath := configPath + ".corrupt." + time.Now().Format("20060102-150405")
		if backupErr := os.WriteFile(backupPath, data, 0644); backupErr == nil {
			log.InfoLog.Printf("Backed up corrupted config to: %s", backupPath)
		}

		return DefaultConfig()
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
