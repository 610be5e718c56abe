package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/virtiofs-driver/device"
	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
	"github.com/ehrlich-b/virtiofs-driver/virtio/loopdev"
)

func newLoopbackDevice(t *testing.T) (*device.Device, func()) {
	t.Helper()
	fs := loopdev.NewFilesystem()
	hiprio := loopdev.NewRing(loopdev.DefaultDepth, 2, fs)
	request := loopdev.NewRing(loopdev.DefaultDepth, 2, fs)
	qs := virtio.NewQueueSet(hiprio, nil, []virtio.Ring{request}, 4096)
	dev := device.New(qs)
	return dev, func() { require.NoError(t, dev.Close()) }
}

func TestMethodsBeforeInitReturnErrNotInitialized(t *testing.T) {
	dev, cleanup := newLoopbackDevice(t)
	defer cleanup()

	_, err := dev.Getattr(context.Background(), 1, &fuse.GetattrIn{})
	require.ErrorIs(t, err, device.ErrNotInitialized)
}

func TestInitThenLookupAndGetattr(t *testing.T) {
	dev, cleanup := newLoopbackDevice(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := dev.Init(ctx, &fuse.InitIn{Major: 7, Minor: 31})
	require.NoError(t, err)
	require.Equal(t, uint32(7), out.Major)
	require.Equal(t, uint32(7), dev.Major())

	_, err = dev.Mkdir(ctx, 1, "docs", &fuse.MkdirIn{Mode: 0755})
	require.NoError(t, err)

	entry, err := dev.Lookup(ctx, 1, "docs")
	require.NoError(t, err)
	require.Greater(t, entry.NodeID, uint64(0))

	attr, err := dev.Getattr(ctx, entry.NodeID, &fuse.GetattrIn{})
	require.NoError(t, err)
	require.Equal(t, entry.NodeID, attr.Attr.Ino)
}

func TestLookupMissingReturnsError(t *testing.T) {
	dev, cleanup := newLoopbackDevice(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := dev.Init(ctx, &fuse.InitIn{Major: 7, Minor: 31})
	require.NoError(t, err)

	_, err = dev.Lookup(ctx, 1, "missing")
	require.Error(t, err)
}

func TestCreateWriteThenRead(t *testing.T) {
	dev, cleanup := newLoopbackDevice(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := dev.Init(ctx, &fuse.InitIn{Major: 7, Minor: 31})
	require.NoError(t, err)

	entry, openOut, err := dev.Create(ctx, 1, "hello.txt", &fuse.CreateIn{Mode: 0644})
	require.NoError(t, err)
	require.Greater(t, entry.NodeID, uint64(0))

	payload := []byte("hello virtio-fs")
	wout, err := dev.Write(ctx, entry.NodeID, &fuse.WriteIn{Fh: openOut.Fh, Size: uint32(len(payload))}, payload)
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), wout.Size)

	got, err := dev.Read(ctx, entry.NodeID, &fuse.ReadIn{Fh: openOut.Fh, Size: uint32(len(payload))})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	dev, cleanup := newLoopbackDevice(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := dev.Init(ctx, &fuse.InitIn{Major: 7, Minor: 31})
	require.NoError(t, err)

	_, _, err = dev.Create(ctx, 1, "temp.txt", &fuse.CreateIn{Mode: 0644})
	require.NoError(t, err)

	require.NoError(t, dev.Unlink(ctx, 1, "temp.txt"))

	_, err = dev.Lookup(ctx, 1, "temp.txt")
	require.Error(t, err)
}
