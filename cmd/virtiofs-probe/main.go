// Command virtiofs-probe brings up a loopback virtio-fs device, runs a
// handful of smoke FUSE calls against it, and then waits for a shutdown
// signal. Adapted from go-ublk's cmd/ublk-mem, which does the same
// "stand up a device, print how to use it, wait for Ctrl+C" job for a
// memory-backed block device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	virtiofs "github.com/ehrlich-b/virtiofs-driver"
	"github.com/ehrlich-b/virtiofs-driver/fuse"
	"github.com/ehrlich-b/virtiofs-driver/internal/logging"
	"github.com/ehrlich-b/virtiofs-driver/virtio"
	"github.com/ehrlich-b/virtiofs-driver/virtio/loopdev"
)

func main() {
	var (
		queues  = flag.Int("queues", 1, "Number of request queues")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	fs := loopdev.NewFilesystem()
	hiprio := loopdev.NewRing(loopdev.DefaultDepth, 1, fs)
	requests := make([]virtio.Ring, *queues)
	for i := range requests {
		requests[i] = loopdev.NewRing(loopdev.DefaultDepth, 1, fs)
	}

	params := virtiofs.DefaultDeviceParams(hiprio, requests)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := virtiofs.CreateAndServe(ctx, params, &virtiofs.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("stopping device")
		if err := virtiofs.StopAndDelete(context.Background(), driver); err != nil {
			logger.Error("error stopping device", "error", err)
		} else {
			logger.Info("device stopped successfully")
		}
	}()

	major, minor := driver.ProtocolVersion()
	fmt.Printf("virtio-fs device ready: protocol %d.%d, %d queue(s)\n", major, minor, driver.NumQueues())

	if err := runSmokeTest(ctx, driver); err != nil {
		logger.Error("smoke test failed", "error", err)
	} else {
		logger.Info("smoke test passed")
	}

	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("virtiofs-probe-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan bool)
	go func() {
		if err := virtiofs.StopAndDelete(context.Background(), driver); err != nil {
			logger.Error("error stopping device", "error", err)
		} else {
			logger.Info("device stopped successfully")
		}
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
	case <-time.After(2 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	os.Exit(0)
}

// rootNodeID is FUSE's fixed node id for the filesystem root.
const rootNodeID = 1

// runSmokeTest exercises a minimal MKDIR/CREATE/WRITE/READ/LOOKUP round
// trip against the freshly-initialized device, the way a real mount
// would on first use.
func runSmokeTest(ctx context.Context, driver *virtiofs.Driver) error {
	dev := driver.Device()

	if _, err := dev.Mkdir(ctx, rootNodeID, "probe", &fuse.MkdirIn{Mode: 0o755}); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	entry, open, err := dev.Create(ctx, rootNodeID, "hello.txt", &fuse.CreateIn{Mode: 0o644, Flags: uint32(syscall.O_RDWR)})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	payload := []byte("hello from virtiofs-probe\n")
	if _, err := dev.Write(ctx, entry.NodeID, &fuse.WriteIn{Fh: open.Fh, Size: uint32(len(payload))}, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	read, err := dev.Read(ctx, entry.NodeID, &fuse.ReadIn{Fh: open.Fh, Size: uint32(len(payload))})
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if string(read) != string(payload) {
		return fmt.Errorf("read back %q, want %q", read, payload)
	}

	if _, err := dev.Lookup(ctx, rootNodeID, "hello.txt"); err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	return nil
}

func init() {
	log.SetFlags(0)
}
