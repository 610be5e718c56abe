package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	cfg DeviceConfig
	err error
}

func (f *fakeSource) ReadConfig() (DeviceConfig, error) {
	return f.cfg, f.err
}

func newTag(s string) [36]byte {
	var t [36]byte
	copy(t[:], s)
	return t
}

func TestNegotiateMasksUnsupportedBits(t *testing.T) {
	src := &fakeSource{cfg: DeviceConfig{
		Tag:              newTag("myfs"),
		NumRequestQueues: 1,
		NotifyBufSize:    4096,
		DeviceFeatures:   FeatureNotification | (1 << 40),
	}}
	m := NewConfigManager(src)

	cfg, active, err := m.Negotiate()
	require.NoError(t, err)
	require.Equal(t, "myfs", cfg.TagString())
	require.Equal(t, uint32(4096), cfg.NotifyBufSize)
	require.Equal(t, FeatureNotification, active)
	require.Equal(t, active, m.Active())
	require.True(t, m.HasFeature(FeatureNotification))
	require.False(t, m.HasFeature(1<<40))
}

func TestNegotiateIsIdempotent(t *testing.T) {
	src := &fakeSource{cfg: DeviceConfig{Tag: newTag("idem"), DeviceFeatures: SupportedFeatures}}
	m := NewConfigManager(src)

	_, active1, err := m.Negotiate()
	require.NoError(t, err)
	_, active2, err := m.Negotiate()
	require.NoError(t, err)
	require.Equal(t, active1, active2)
}

func TestOnConfigChangeFiresOnlyWhenConfigDiffers(t *testing.T) {
	src := &fakeSource{cfg: DeviceConfig{Tag: newTag("watch"), DeviceFeatures: FeatureNotification}}
	m := NewConfigManager(src)

	var calls int
	m.OnConfigChange(func(DeviceConfig) { calls++ })

	_, _, err := m.Negotiate()
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	_, _, err = m.Negotiate()
	require.NoError(t, err)
	require.Equal(t, 1, calls, "unchanged config must not refire watchers")

	src.cfg.NumRequestQueues = 4
	_, _, err = m.Negotiate()
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
