package virtiofs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	virtiofs "github.com/ehrlich-b/virtiofs-driver"
	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
	"github.com/ehrlich-b/virtiofs-driver/virtio/loopdev"
)

func newLoopbackDriver(t *testing.T, queues int) (*virtiofs.Driver, func()) {
	t.Helper()
	fs := loopdev.NewFilesystem()
	hiprio := loopdev.NewRing(loopdev.DefaultDepth, 2, fs)
	requests := make([]virtio.Ring, queues)
	for i := range requests {
		requests[i] = loopdev.NewRing(loopdev.DefaultDepth, 2, fs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	driver, err := virtiofs.CreateAndServe(ctx, virtiofs.DefaultDeviceParams(hiprio, requests), nil)
	require.NoError(t, err)

	return driver, func() {
		require.NoError(t, virtiofs.StopAndDelete(context.Background(), driver))
	}
}

func TestCreateAndServeNegotiatesInit(t *testing.T) {
	driver, cleanup := newLoopbackDriver(t, 1)
	defer cleanup()

	major, minor := driver.ProtocolVersion()
	require.Equal(t, virtiofs.DefaultFUSEMajor, int(major))
	// The device chooses the minor in its INIT reply; the loopback
	// device answers 7.31.
	require.Equal(t, 31, int(minor))
	require.Equal(t, 1, driver.NumQueues())
}

func TestCreateAndServeRejectsNoRings(t *testing.T) {
	_, err := virtiofs.CreateAndServe(context.Background(), virtiofs.DeviceParams{}, nil)
	require.Error(t, err)
}

func TestDriverServesOperationsThroughDevice(t *testing.T) {
	driver, cleanup := newLoopbackDriver(t, 2)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dev := driver.Device()

	entry, open, err := dev.Create(ctx, 1, "greeting.txt", &fuse.CreateIn{Mode: 0o644})
	require.NoError(t, err)

	payload := []byte("hello")
	_, err = dev.Write(ctx, entry.NodeID, &fuse.WriteIn{Fh: open.Fh, Size: uint32(len(payload))}, payload)
	require.NoError(t, err)

	read, err := dev.Read(ctx, entry.NodeID, &fuse.ReadIn{Fh: open.Fh, Size: uint32(len(payload))})
	require.NoError(t, err)
	require.Equal(t, payload, read)

	snap := driver.Metrics().Snapshot()
	require.Greater(t, snap.TotalOps, uint64(0))
}

func TestStopAndDeleteRejectsNilDriver(t *testing.T) {
	err := virtiofs.StopAndDelete(context.Background(), nil)
	require.Error(t, err)
}
