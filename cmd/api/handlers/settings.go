// Package handlers carries small admin endpoints that don't warrant their own
// package.
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ChangeDefaults are the CAB parameters applied to new change requests.
type ChangeDefaults struct {
	RequiredApprovers int    `json:"required_approvers"`
	ReviewDeadlineHrs int    `json:"review_deadline_hours"`
	EmergencyRole     string `json:"emergency_role"`
}

// Settings holds runtime admin configuration.
type Settings struct {
	Storage        map[string]string `json:"storage"`
	Mail           map[string]string `json:"mail"`
	ChangeDefaults ChangeDefaults    `json:"change_defaults"`
	LogPath        string            `json:"log_path"`
	LastTest       string            `json:"last_test"`
}

var (
	mu       sync.RWMutex
	cfgStore = Settings{
		Storage:        map[string]string{},
		Mail:           map[string]string{},
		ChangeDefaults: ChangeDefaults{RequiredApprovers: 1, ReviewDeadlineHrs: 72, EmergencyRole: "manager"},
		LogPath:        "/config/logs",
	}
)

// InitSettings sets initial values like log path.
func InitSettings(logPath string) {
	mu.Lock()
	defer mu.Unlock()
	if logPath != "" {
		cfgStore.LogPath = logPath
	}
}

// GetSettings returns the current configuration.
func GetSettings(c *gin.Context) {
	mu.RLock()
	defer mu.RUnlock()
	c.JSON(http.StatusOK, cfgStore)
}

// SaveStorageSettings stores object-store configuration.
func SaveStorageSettings(c *gin.Context) {
	var data map[string]string
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mu.Lock()
	cfgStore.Storage = data
	mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SaveMailSettings stores the mailbox used for email-to-incident intake.
func SaveMailSettings(c *gin.Context) {
	var data map[string]string
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mu.Lock()
	cfgStore.Mail = data
	mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SaveChangeDefaults stores CAB defaults for new changes.
func SaveChangeDefaults(c *gin.Context) {
	var data ChangeDefaults
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mu.Lock()
	cfgStore.ChangeDefaults = data
	mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetChangeDefaults returns the CAB defaults.
func GetChangeDefaults() ChangeDefaults {
	mu.RLock()
	defer mu.RUnlock()
	return cfgStore.ChangeDefaults
}

// TestConnection records a test run and returns log path and last result.
func TestConnection(c *gin.Context) {
	mu.Lock()
	cfgStore.LastTest = time.Now().Format(time.RFC3339)
	resp := gin.H{"ok": true, "log_path": cfgStore.LogPath, "last_test": cfgStore.LastTest}
	mu.Unlock()
	c.JSON(http.StatusOK, resp)
}
