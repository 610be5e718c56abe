//go:build vhostuser

package vhostuser

import (
	"fmt"

	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// Transport bundles the control-plane Client with the per-queue data
// rings it negotiated, so a caller gets
// one Close and one virtio.ConfigSource/[]virtio.Ring pair back instead
// of wiring the handshake by hand.
type Transport struct {
	Client *Client
	Rings  []*Ring

	memFiles []*closer
}

type closer struct{ close func() error }

// Connect dials socketPath, runs the GET_FEATURES/SET_FEATURES/
// SET_OWNER/SET_MEM_TABLE handshake, and brings up numQueues rings of
// the given depth, following the message order
// vhostuser/server.go's oneRequest dispatch loop expects from a
// well-behaved driver.
func Connect(socketPath string, numQueues int, depth uint16) (*Transport, error) {
	logger := logging.Default()
	client, err := Dial(socketPath)
	if err != nil {
		return nil, err
	}

	deviceFeatures, err := client.GetFeatures()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("vhostuser: GET_FEATURES: %w", err)
	}
	active := deviceFeatures & virtio.SupportedFeatures
	if err := client.SetFeatures(active); err != nil {
		client.Close()
		return nil, fmt.Errorf("vhostuser: SET_FEATURES: %w", err)
	}
	if err := client.SetOwner(); err != nil {
		client.Close()
		return nil, fmt.Errorf("vhostuser: SET_OWNER: %w", err)
	}

	t := &Transport{Client: client}
	for i := 0; i < numQueues; i++ {
		ring, memFile, callFile, err := NewRing(uint32(i), depth)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: new ring %d: %w", i, err)
		}
		info, statErr := memFile.Stat()
		if statErr != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: stat vring memfd %d: %w", i, statErr)
		}
		if err := client.SetMemTable(memFile, uint64(info.Size())); err != nil {
			logger.Warn("SET_MEM_TABLE failed", "queue", i, "error", err)
		}
		if err := client.SetVringNum(uint32(i), uint32(depth)); err != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: SET_VRING_NUM %d: %w", i, err)
		}
		if err := client.SetVringCall(uint32(i), callFile); err != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: SET_VRING_CALL %d: %w", i, err)
		}
		if err := client.SetVringKick(uint32(i), ring.kickFD); err != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: SET_VRING_KICK %d: %w", i, err)
		}
		if err := client.SetVringEnable(uint32(i), true); err != nil {
			t.Close()
			return nil, fmt.Errorf("vhostuser: SET_VRING_ENABLE %d: %w", i, err)
		}
		t.Rings = append(t.Rings, ring)
		t.memFiles = append(t.memFiles, &closer{close: memFile.Close})
	}
	return t, nil
}

// VirtioRings exposes t.Rings as the virtio.Ring interface slice
// QueueSet expects.
func (t *Transport) VirtioRings() []virtio.Ring {
	out := make([]virtio.Ring, len(t.Rings))
	for i, r := range t.Rings {
		out[i] = r
	}
	return out
}

// Close tears down every ring and the control connection.
func (t *Transport) Close() error {
	var firstErr error
	for _, r := range t.Rings {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range t.memFiles {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.Client != nil {
		if err := t.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
