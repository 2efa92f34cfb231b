// command vpudrv brings up the NPU, stages firmware, and serves the
// external status/inference socket until terminated.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tarm/serial"
	"vpudrv.dev/core/internal/boot"
	"vpudrv.dev/core/internal/diag"
	"vpudrv.dev/core/internal/gpio"
	"vpudrv.dev/core/internal/pci"
	"vpudrv.dev/core/internal/ring"
	"vpudrv.dev/core/internal/scheme"
	"vpudrv.dev/core/internal/status"
)

// defaultFirmwarePaths is the static, ordered search list used when
// -firmware is not given.
var defaultFirmwarePaths = []string{
	"/lib/firmware/intel/vpu/vpu.bin",
	"/lib/firmware/vpu.bin",
	"/usr/lib/firmware/intel/vpu/vpu.bin",
}

const (
	ringCapacity = 64
	socketPath   = "/run/vpudrv.sock"
)

var (
	firmwarePath = flag.String("firmware", "", "firmware image path (searches a static list if unset)")
	testMode     = flag.Bool("test", false, "discover the device, read one register, and exit")
	diagnostics  = flag.Bool("diagnostics", false, "print a diagnostic register snapshot and exit")
	diagFormat   = flag.String("format", "text", "diagnostics output format: text or cbor")
	ledPin       = flag.String("led-pin", "", "GPIO pin name for the power-state indicator (optional)")
	uartMirror   = flag.String("uart-mirror", "", "write a one-line status summary to a serial device at startup (optional)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vpudrv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	logger := log.Default()

	dev, err := pci.Discover(logger)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	defer dev.Close()
	logger.Printf("vpudrv: found %s at %s", dev.Name, dev.BusAddr)

	if *testMode {
		raw := dev.MMIO.Read32(0)
		logger.Printf("vpudrv: test read at offset 0: %#010x", raw)
		return nil
	}

	if *diagnostics {
		return printDiagnostics(dev)
	}

	path, err := resolveFirmwarePath()
	if err != nil {
		return err
	}

	result, fwBuf, err := boot.Execute(dev, path, logger)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	switch result.Kind {
	case boot.Ready:
		logger.Printf("vpudrv: ready, firmware version %#010x", result.FWVersion)
	case boot.Ambiguous:
		logger.Printf("vpudrv: boot result ambiguous, raw status %#010x", result.Status)
	}

	r, err := ring.New(dev.MMIO, ringCapacity)
	if err != nil {
		fwBuf.Free()
		return fmt.Errorf("ring: %w", err)
	}

	monitor := status.New(dev, logger)
	monitor.Poll()

	var indicator *gpio.Indicator
	if *ledPin != "" {
		indicator, err = gpio.Open(*ledPin)
		if err != nil {
			logger.Printf("vpudrv: gpio indicator disabled: %v", err)
		}
	}
	if indicator != nil {
		if err := indicator.Reflect(monitor.LastState()); err != nil {
			logger.Printf("vpudrv: gpio reflect: %v", err)
		}
	}

	if *uartMirror != "" {
		if err := mirrorStatusToUART(*uartMirror, monitor); err != nil {
			logger.Printf("vpudrv: uart mirror disabled: %v", err)
		}
	}

	srv, err := scheme.Listen(socketPath, monitor, r, logger)
	if err != nil {
		fwBuf.Free()
		return fmt.Errorf("scheme: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	select {
	case <-sig:
		logger.Printf("vpudrv: signal received, shutting down")
		srv.Close()
		return nil
	case err := <-done:
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func resolveFirmwarePath() (string, error) {
	if *firmwarePath != "" {
		if strings.Contains(*firmwarePath, "..") {
			return "", fmt.Errorf("firmware path must not contain \"..\": %s", *firmwarePath)
		}
		return *firmwarePath, nil
	}
	for _, p := range defaultFirmwarePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no firmware found in default search path %v; pass -firmware", defaultFirmwarePaths)
}

func printDiagnostics(dev *pci.Device) error {
	snap := diag.Take(dev)
	switch *diagFormat {
	case "cbor":
		b, err := diag.EncodeCBOR(snap)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	case "text":
		fmt.Printf("fw_status=%#010x fw_version=%#010x boot_counter=%d buttress_status=%#010x general_control=%#010x global_int_status=%#010x\n",
			snap.FWStatus, snap.FWVersion, snap.BootCounter, snap.ButtressStatus, snap.GeneralControl, snap.GlobalIntStatus)
		return nil
	default:
		return fmt.Errorf("unknown -format %q, want text or cbor", *diagFormat)
	}
}

// mirrorStatusToUART writes the current status summary as a single line
// to an auxiliary serial device, for bench setups that tee driver state
// to an external logger rather than reading the scheme socket.
func mirrorStatusToUART(device string, monitor *status.Monitor) error {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: 115200})
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer port.Close()
	_, err = fmt.Fprintf(port, "%s\n", monitor.Summary())
	return err
}
