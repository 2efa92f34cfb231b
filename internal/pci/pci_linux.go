//go:build linux_pci

package pci

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"vpudrv.dev/core/internal/mmio"
)

const sysfsPCIRoot = "/sys/bus/pci/devices"

// Discover enumerates /sys/bus/pci/devices, accepts the first function
// whose (vendor, device) pair is in regs.Supported, enables bus-master
// and memory space, and maps its BAR0.
func Discover(logger *log.Logger) (*Device, error) {
	entries, err := os.ReadDir(sysfsPCIRoot)
	if err != nil {
		return nil, &ErrSchemeFailed{Err: err}
	}
	for _, ent := range entries {
		bdf := ent.Name()
		dir := filepath.Join(sysfsPCIRoot, bdf)
		header, err := os.ReadFile(filepath.Join(dir, "config"))
		if err != nil {
			continue
		}
		vendor, device, err := decodeHeader(header)
		if err != nil {
			continue
		}
		name, ok := isSupported(vendor, device)
		if !ok {
			continue
		}
		return open(dir, bdf, vendor, device, name, logger)
	}
	return nil, ErrDeviceNotFound{}
}

func open(dir, bdf string, vendor, device uint16, name string, logger *log.Logger) (*Device, error) {
	configPath := filepath.Join(dir, "config")
	cmd, err := readCommandWord(configPath)
	if err != nil {
		return nil, &ErrConfigWriteFailed{Err: err}
	}
	want := cmd | cmdMemorySpaceEnable | cmdBusMasterEnable
	if want != cmd {
		if err := writeCommandWord(configPath, want); err != nil {
			return nil, &ErrConfigWriteFailed{Err: err}
		}
	}

	barPhys, barLen, err := readBar0Geometry(dir)
	if err != nil {
		return nil, &ErrBarOpenFailed{Err: err}
	}
	if barLen == 0 {
		return nil, ErrBarZeroSize{}
	}

	resPath := filepath.Join(dir, "resource0")
	f, err := os.OpenFile(resPath, os.O_RDWR, 0)
	if err != nil {
		return nil, &ErrBarOpenFailed{Err: err}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, barLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, &ErrBarMapFailed{Err: err}
	}

	d := &Device{
		BusAddr: bdf,
		Vendor:  vendor,
		Device:  device,
		Name:    name,
		BarPhys: barPhys,
		BarLen:  barLen,
		MMIO:    mmio.New(mem, logger),
		closer: func() error {
			err1 := unix.Munmap(mem)
			err2 := f.Close()
			if err1 != nil {
				return err1
			}
			return err2
		},
	}
	return d, nil
}

func readCommandWord(configPath string) (uint16, error) {
	f, err := os.Open(configPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf [2]byte
	if _, err := f.ReadAt(buf[:], configCommandOffset); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func writeCommandWord(configPath string, v uint16) error {
	f, err := os.OpenFile(configPath, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := [2]byte{byte(v), byte(v >> 8)}
	_, err = f.WriteAt(buf[:], configCommandOffset)
	return err
}

// readBar0Geometry parses sysfs's "resource" file: one line per BAR of
// "start end flags" in hex.
func readBar0Geometry(dir string) (phys uint64, length int, err error) {
	f, err := os.Open(filepath.Join(dir, "resource"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, 0, fmt.Errorf("empty resource file")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("malformed resource line %q", sc.Text())
	}
	start, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("malformed resource range [%#x,%#x]", start, end)
	}
	return start, int(end-start) + 1, nil
}
