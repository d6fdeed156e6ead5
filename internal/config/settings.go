package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"tachyon/internal/storage"
)

// Keys for AppSettings in DB
const (
	KeyEnableCommandAPI     = "enable_command_api"
	KeyCommandAPIToken      = "command_api_token"
	KeyCommandAPIPort       = "command_api_port"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyMaxWorkersPerJob     = "max_workers_per_job"
	KeyForceAnonymizer      = "force_anonymizer"
	KeyAnonymizerPort       = "anonymizer_port"
	KeyGlobalBandwidthLimit = "global_bandwidth_limit"
	KeyQuietHoursEnabled    = "quiet_hours_enabled"
	KeyQuietHoursStart      = "quiet_hours_start"
	KeyQuietHoursStop       = "quiet_hours_stop"
	KeyUserAgent            = "user_agent"
)

type ConfigManager struct {
	storage *storage.Storage
}

func NewConfigManager(s *storage.Storage) *ConfigManager {
	return &ConfigManager{storage: s}
}

func (c *ConfigManager) GetCommandAPIPort() int {
	valStr, err := c.storage.GetString(KeyCommandAPIPort)
	if err != nil || valStr == "" {
		return 4444 // Default
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 4444
	}
	return val
}

func (c *ConfigManager) SetCommandAPIPort(port int) error {
	return c.storage.SetString(KeyCommandAPIPort, strconv.Itoa(port))
}

func (c *ConfigManager) GetMaxWorkersPerJob() int {
	valStr, err := c.storage.GetString(KeyMaxWorkersPerJob)
	if err != nil || valStr == "" {
		return 8 // Default
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 8
	}
	return val
}

func (c *ConfigManager) SetMaxWorkersPerJob(max int) error {
	return c.storage.SetString(KeyMaxWorkersPerJob, strconv.Itoa(max))
}

func (c *ConfigManager) GetEnableCommandAPI() bool {
	val, err := c.storage.GetString(KeyEnableCommandAPI)
	if err != nil {
		return false
	}
	return val == "true"
}

func (c *ConfigManager) SetEnableCommandAPI(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyEnableCommandAPI, val)
}

func (c *ConfigManager) GetCommandAPIToken() string {
	val, err := c.storage.GetString(KeyCommandAPIToken)
	if err != nil || val == "" {
		// Generate if missing
		token := generateSecureToken()
		c.storage.SetString(KeyCommandAPIToken, token)
		return token
	}
	return val
}

func (c *ConfigManager) GetForceAnonymizer() bool {
	val, err := c.storage.GetString(KeyForceAnonymizer)
	if err != nil {
		return false
	}
	return val == "true"
}

func (c *ConfigManager) SetForceAnonymizer(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyForceAnonymizer, val)
}

func (c *ConfigManager) GetAnonymizerPort() int {
	valStr, err := c.storage.GetString(KeyAnonymizerPort)
	if err != nil || valStr == "" {
		return 9050 // Default, matches the Tor/SOCKS5 convention
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 9050
	}
	return val
}

func (c *ConfigManager) SetAnonymizerPort(port int) error {
	return c.storage.SetString(KeyAnonymizerPort, strconv.Itoa(port))
}

// GetGlobalBandwidthLimit returns bytes/sec, or 0 for unlimited.
func (c *ConfigManager) GetGlobalBandwidthLimit() int {
	valStr, err := c.storage.GetString(KeyGlobalBandwidthLimit)
	if err != nil || valStr == "" {
		return 0
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0
	}
	return val
}

func (c *ConfigManager) SetGlobalBandwidthLimit(bytesPerSec int) error {
	return c.storage.SetString(KeyGlobalBandwidthLimit, strconv.Itoa(bytesPerSec))
}

func (c *ConfigManager) GetQuietHours() (enabled bool, startHour, stopHour int) {
	enabledStr, _ := c.storage.GetString(KeyQuietHoursEnabled)
	enabled = enabledStr == "true"

	startHour = 0
	if v, err := c.storage.GetString(KeyQuietHoursStart); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			startHour = n
		}
	}
	stopHour = 0
	if v, err := c.storage.GetString(KeyQuietHoursStop); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			stopHour = n
		}
	}
	return enabled, startHour, stopHour
}

func (c *ConfigManager) SetQuietHours(enabled bool, startHour, stopHour int) error {
	val := "false"
	if enabled {
		val = "true"
	}
	if err := c.storage.SetString(KeyQuietHoursEnabled, val); err != nil {
		return err
	}
	if err := c.storage.SetString(KeyQuietHoursStart, strconv.Itoa(startHour)); err != nil {
		return err
	}
	return c.storage.SetString(KeyQuietHoursStop, strconv.Itoa(stopHour))
}

func (c *ConfigManager) GetEnableIntegrityCheck() bool {
	val, err := c.storage.GetString(KeyEnableIntegrityCheck)
	if err != nil {
		return true // Default True
	}
	return val != "false"
}

func (c *ConfigManager) SetEnableIntegrityCheck(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyEnableIntegrityCheck, val)
}

func generateSecureToken() string {
	b := make([]byte, 16) // 16 bytes = 32 hex chars
	if _, err := rand.Read(b); err != nil {
		// Fallback (extremely unlikely)
		return "tachyon-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}

// GetUserAgent returns the custom User-Agent string
// Returns empty string if not set (caller should use default)
func (c *ConfigManager) GetUserAgent() string {
	val, err := c.storage.GetString(KeyUserAgent)
	if err != nil {
		return "" // Use default
	}
	return val
}

// SetUserAgent stores a custom User-Agent string
func (c *ConfigManager) SetUserAgent(ua string) error {
	return c.storage.SetString(KeyUserAgent, ua)
}

// FactoryReset resets all configuration to defaults
func (c *ConfigManager) FactoryReset() error {
	// We just delete the keys, so getters will return defaults
	keys := []string{
		KeyEnableCommandAPI,
		KeyCommandAPIToken,
		KeyCommandAPIPort,
		KeyEnableIntegrityCheck,
		KeyMaxWorkersPerJob,
		KeyForceAnonymizer,
		KeyAnonymizerPort,
		KeyGlobalBandwidthLimit,
		KeyQuietHoursEnabled,
		KeyQuietHoursStart,
		KeyQuietHoursStop,
		KeyUserAgent,
	}

	for _, key := range keys {
		// Set to empty string effectively resets it (or we could use a DeleteString if we had one)
		// Since we don't have DeleteString in Storage interface exposed here yet (it only has DeleteTask/Location),
		// we can set to empty. Getters check for empty string.
		if err := c.storage.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
