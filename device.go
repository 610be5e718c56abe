package virtiofs

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/virtiofs-driver/device"
	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/internal/constants"
	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
)

// DefaultFUSEMajor and DefaultFUSEMinor are the protocol version this
// driver offers during INIT when the caller doesn't supply one.
const (
	DefaultFUSEMajor = 7
	DefaultFUSEMinor = 38
)

// DefaultInitIn returns the INIT request this driver sends when
// DeviceParams.Init is left nil.
func DefaultInitIn() fuse.InitIn {
	return fuse.InitIn{
		Major:        DefaultFUSEMajor,
		Minor:        DefaultFUSEMinor,
		MaxReadahead: constants.DefaultBufferSize,
		Flags:        uint32(virtio.SupportedFeatures),
	}
}

// DeviceParams configures a driven virtio-fs device: which rings back
// its hiprio, notification, and request queues. Generalized from
// ctrl.DeviceParams's field-wise defaulting style (§3's "per-device
// configuration").
type DeviceParams struct {
	// HiprioQueue backs the reserved queue FORGET, BATCH_FORGET, and
	// INTERRUPT traffic routes to (spec.md §4.2's fixed hiprio queue).
	HiprioQueue virtio.Ring

	// NotifyQueue backs the notification queue, built only when
	// non-nil (spec.md §4.2's "notify, if FeatureNotification was
	// negotiated"). Leave nil when the transport doesn't offer one.
	NotifyQueue virtio.Ring

	// RequestQueues provides one virtio.Ring per request queue, in
	// queue-index order. The loopback transport's NewRing or the
	// vhost-user transport's dialed Ring both satisfy this.
	RequestQueues []virtio.Ring

	// BufferSize is passed to the QueueSet's buffer pool; the pool's
	// fixed 4 KiB-1 MiB buckets do not depend on it.
	BufferSize int

	// Init is sent as the mandatory first request (spec.md §4.4). If
	// nil, DefaultInitIn's values are used.
	Init *fuse.InitIn
}

// DefaultDeviceParams returns params wired to hiprio and requests with
// no notification queue and every optional field at its
// constants-backed default, the way ctrl.DefaultDeviceParams seeds a
// ublk device's control-plane fields.
func DefaultDeviceParams(hiprio virtio.Ring, requests []virtio.Ring) DeviceParams {
	return DeviceParams{
		HiprioQueue:   hiprio,
		RequestQueues: requests,
		BufferSize:    constants.DefaultBufferSize,
	}
}

// Driver is the top-level handle returned by CreateAndServe: a
// negotiated, INIT'd virtio-fs device ready to take operation calls
// through AnyFuseDevice. Mirrors go-ublk's top-level Device, which
// plays the same "one handle per running device" role for block I/O.
type Driver struct {
	dev     *device.Device
	queues  *virtio.QueueSet
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	major uint32
	minor uint32
}

// Options mirrors go-ublk's Options: optional collaborators a caller
// may override; nil fields fall back to sensible defaults.
type Options struct {
	Context context.Context
	Logger  *logging.Logger
}

// CreateAndServe wires a QueueSet over params's hiprio, notify, and
// request rings, performs the
// mandatory INIT exchange, and returns a ready-to-use Driver. This is
// the virtio-fs counterpart of go-ublk's CreateAndServe: there is no
// kernel device node to wait for here (spec.md's transport is
// simulated), so the analogous "wait for the device to come live" step
// is simply the blocking Submit call inside Init.
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Driver, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	if params.HiprioQueue == nil || len(params.RequestQueues) == 0 {
		return nil, NewError("create", ErrCodeInvalidConfig, "a hiprio ring and at least one request ring are required")
	}

	bufSize := params.BufferSize
	if bufSize == 0 {
		bufSize = constants.DefaultBufferSize
	}
	queues := virtio.NewQueueSet(params.HiprioQueue, params.NotifyQueue, params.RequestQueues, bufSize)

	dev := device.New(queues)

	driverCtx, cancel := context.WithCancel(ctx)
	d := &Driver{
		dev:     dev,
		queues:  queues,
		metrics: NewMetrics(),
		ctx:     driverCtx,
		cancel:  cancel,
	}
	dev.SetObserver(NewMetricsObserver(d.metrics))

	initIn := params.Init
	if initIn == nil {
		defaultInit := DefaultInitIn()
		initIn = &defaultInit
	}
	out, err := dev.Init(driverCtx, initIn)
	if err != nil {
		cancel()
		_ = queues.Close()
		return nil, WrapError("create: INIT", err)
	}
	d.major = out.Major
	d.minor = out.Minor

	logger := logging.Default()
	if options.Logger != nil {
		logger = options.Logger
	}
	logger.Info("virtio-fs device initialized",
		"major", out.Major, "minor", out.Minor, "request_queues", queues.NumRequestQueues())

	return d, nil
}

// Device returns the AnyFuseDevice operation surface this driver
// drives. Callers issue LOOKUP/READ/WRITE/... through it.
func (d *Driver) Device() device.AnyFuseDevice { return d.dev }

// NumQueues returns the number of request queues this driver's
// transport exposes (excluding the reserved hiprio and notification
// queues).
func (d *Driver) NumQueues() int { return d.queues.NumRequestQueues() }

// ProtocolVersion returns the FUSE major.minor negotiated during Init.
func (d *Driver) ProtocolVersion() (uint32, uint32) { return d.major, d.minor }

// Metrics returns the running counters for this driver's traffic.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// StopAndDelete tears down the driver: it issues DESTROY, cancels the
// driver's context, and closes every queue's Ring. Mirrors
// go-ublk's StopAndDelete (cancel, stop runners, tell the control
// plane to delete the device) minus the control-plane step, since this
// driver has no separate kernel-side device to delete.
func StopAndDelete(ctx context.Context, d *Driver) error {
	if d == nil {
		return NewError("stop", ErrCodeInvalidConfig, "nil driver")
	}

	destroyCtx, destroyCancel := context.WithTimeout(ctx, 2*time.Second)
	defer destroyCancel()
	if err := d.dev.Destroy(destroyCtx); err != nil {
		logging.Default().Warn("DESTROY failed during shutdown", "error", err)
	}

	d.cancel()
	d.metrics.Stop()

	if err := d.dev.Close(); err != nil {
		return fmt.Errorf("virtiofs: close device: %w", err)
	}
	return nil
}
