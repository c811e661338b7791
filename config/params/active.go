package params

import (
	"sync"
)

var (
	activeLock    sync.RWMutex
	activeConfig  = DefaultSynapseConfig()
	activeVersion uint64 = 1
)

// SynapseConfig retrieves the active network config.
func SynapseConfig() *SynapseNetworkConfig {
	activeLock.RLock()
	defer activeLock.RUnlock()
	return activeConfig
}

// ConfigVersion returns the version counter of the active config. The
// counter increases on every replacement and is gossiped so peers can pick
// the freshest config deterministically.
func ConfigVersion() uint64 {
	activeLock.RLock()
	defer activeLock.RUnlock()
	return activeVersion
}

// OverrideSynapseConfig replaces the active config without touching the
// version counter. Used for startup file overrides and tests; the version
// only moves with network-approved config changes.
func OverrideSynapseConfig(c *SynapseNetworkConfig) {
	activeLock.Lock()
	defer activeLock.Unlock()
	activeConfig = c
}

// SetActive installs a config with an explicit version, used when the node
// derives a fresher config from the replicated state.
func SetActive(c *SynapseNetworkConfig, version uint64) {
	activeLock.Lock()
	defer activeLock.Unlock()
	activeConfig = c
	activeVersion = version
}

// SetupTestConfigCleanup preserves and restores the active config around a
// test, so tests can override options freely.
func SetupTestConfigCleanup(t interface{ Cleanup(func()) }) {
	prevConfig := activeConfig.Copy()
	prevVersion := activeVersion
	t.Cleanup(func() {
		activeLock.Lock()
		defer activeLock.Unlock()
		activeConfig = prevConfig
		activeVersion = prevVersion
	})
}
