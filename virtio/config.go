package virtio

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
)

// Feature bits this driver understands (spec.md §3 "feature bits").
// Naming follows the F_* prefix convention of virtio-fs's own feature
// bit definitions. F_NOTIFICATION is the only bit spec.md names; other
// virtio-fs feature bits (xattr, submounts) exist in the real device
// but have no component in this driver that branches on them, so they
// are left undeclared rather than folded into SupportedFeatures unused.
const (
	FeatureNotification uint64 = 1 << 0
)

// SupportedFeatures is every bit this implementation is prepared to
// drive. Negotiate never reports a bit outside this set as active,
// regardless of what the device advertises.
const SupportedFeatures = FeatureNotification

// DeviceConfig mirrors the virtio-fs configuration space (spec.md §3):
// a fixed tag identifying the shared directory, the device's preferred
// request-queue count, and the notification queue's buffer size (valid
// only once F_NOTIFICATION is negotiated).
type DeviceConfig struct {
	Tag              [36]byte
	NumRequestQueues uint32
	NotifyBufSize    uint32
	DeviceFeatures   uint64
}

// TagString returns Tag truncated at its first NUL byte.
func (c DeviceConfig) TagString() string {
	for i, b := range c.Tag {
		if b == 0 {
			return string(c.Tag[:i])
		}
	}
	return string(c.Tag[:])
}

// ConfigSource reads the raw configuration space exposed by the
// transport (loopback or vhost-user backed). Analogous to go-ublk's
// Controller reading back UblksrvCtrlDevInfo after ADD_DEV.
type ConfigSource interface {
	ReadConfig() (DeviceConfig, error)
}

// ConfigManager owns feature negotiation and config-change notification
// for C2. negotiate(device_bits) = device_bits & supported_bits, and is
// idempotent: calling Negotiate twice with the same device config
// yields the same active feature set (spec.md §3 invariant).
type ConfigManager struct {
	source ConfigSource
	logger *logging.Logger

	mu       sync.RWMutex
	current  DeviceConfig
	active   uint64
	watchers []func(DeviceConfig)
}

// NewConfigManager creates a manager reading from source.
func NewConfigManager(source ConfigSource) *ConfigManager {
	return &ConfigManager{
		source: source,
		logger: logging.Default(),
	}
}

// Negotiate reads the current device config and computes the active
// feature set as the bitwise AND of what the device advertises and
// SupportedFeatures. It is safe to call repeatedly (e.g. after a
// config-change notification); the result only depends on the device's
// currently advertised bits.
func (m *ConfigManager) Negotiate() (DeviceConfig, uint64, error) {
	cfg, err := m.source.ReadConfig()
	if err != nil {
		return DeviceConfig{}, 0, fmt.Errorf("virtio: read config: %w", err)
	}

	active := cfg.DeviceFeatures & SupportedFeatures

	m.mu.Lock()
	changed := m.current != cfg || m.active != active
	m.current = cfg
	m.active = active
	watchers := append([]func(DeviceConfig){}, m.watchers...)
	m.mu.Unlock()

	m.logger.Debug("negotiated features",
		"tag", cfg.TagString(),
		"device_bits", fmt.Sprintf("0x%x", cfg.DeviceFeatures),
		"active_bits", fmt.Sprintf("0x%x", active))

	if changed {
		for _, w := range watchers {
			w(cfg)
		}
	}
	return cfg, active, nil
}

// Active returns the feature bits negotiated so far without re-reading
// the config space.
func (m *ConfigManager) Active() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// HasFeature reports whether bit is part of the currently negotiated
// active set.
func (m *ConfigManager) HasFeature(bit uint64) bool {
	return m.Active()&bit != 0
}

// OnConfigChange registers fn to be called whenever a subsequent
// Negotiate call observes a different device config than before. The
// transport is expected to call Negotiate again when it observes a
// config-change interrupt.
func (m *ConfigManager) OnConfigChange(fn func(DeviceConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}
