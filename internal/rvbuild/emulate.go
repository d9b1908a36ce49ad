package rvbuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	qemuSourceName = "qemu"
	qemuBinary     = "qemu-system-riscv64"
	firmwareName   = "fw_jump.bin"
	kernelName     = "Image"
)

// qemuTargets are the emulator targets configured when QEMU is built.
const qemuTargets = "riscv64-softmmu,riscv64-linux-user"

// imagePatterns are tried in order; the first pattern with a match wins.
var imagePatterns = []string{"*.ext4", "*.ext2", "*.img"}

// EmulatorOptions is everything the emulator command line is built from.
type EmulatorOptions struct {
	QEMU     string
	Firmware string
	Kernel   string
	Disk     string
	Memory   string
	CPUs     int
	SSHPort  int
}

// qemuArgs assembles the fixed emulator invocation.
func qemuArgs(o EmulatorOptions) []string {
	return []string{
		"-machine", "virt",
		"-bios", o.Firmware,
		"-kernel", o.Kernel,
		"-m", o.Memory,
		"-smp", strconv.Itoa(o.CPUs),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", o.SSHPort),
		"-device", "virtio-net-device,netdev=net0",
		"-drive", "file=" + o.Disk + ",format=raw,id=hd0,if=none",
		"-device", "virtio-blk-device,drive=hd0",
		"-device", "qemu-xhci",
		"-device", "usb-kbd",
		"-device", "usb-tablet",
		"-append", "root=/dev/vda rw console=ttyS0 earlycon",
		"-nographic",
	}
}

// findImage returns the first disk image in dir, trying imagePatterns in order.
func findImage(dir string) (string, error) {
	for _, pattern := range imagePatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		sort.Strings(matches)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				return m, nil
			}
		}
	}
	return "", fmt.Errorf("%w in %s", ErrImageNotFound, dir)
}

// EnsureQEMU returns the emulator binary, building it from the pinned
// release when it is not installed yet.
func (p *Pipeline) EnsureQEMU(ctx context.Context) (string, error) {
	prefix := p.Layout.QEMUPrefix()
	bin := filepath.Join(prefix, "bin", qemuBinary)
	if isExecutable(bin) {
		debugf("Using %s\n", bin)
		return bin, nil
	}

	src, err := p.Fetcher.ClonePinned(ctx, p.Settings.QEMUURL, qemuSourceName, p.Settings.QEMUTag)
	if err != nil {
		return "", err
	}

	log, err := openBuildLog(p.Layout, "qemu")
	if err != nil {
		return "", err
	}
	defer log.Close()
	out := log.Writer()

	stepf("Configuring QEMU %s", p.Settings.QEMUTag)
	cfg := exec.CommandContext(ctx, "./configure", "--prefix="+prefix, "--target-list="+qemuTargets)
	cfg.Dir = src
	cfg.Stdout, cfg.Stderr = out, out
	if err := runStage(p.Runner, "qemu configure", cfg); err != nil {
		return "", err
	}

	stepf("Building QEMU with %d jobs", p.Settings.Jobs)
	mk := exec.CommandContext(ctx, "make", "-j"+strconv.Itoa(p.Settings.Jobs), "install")
	mk.Dir = src
	mk.Stdout, mk.Stderr = out, out
	if err := runStage(p.Runner, "qemu build", mk); err != nil {
		return "", err
	}

	if !isExecutable(bin) {
		return "", fmt.Errorf("%w: %s", ErrMarkerMissing, bin)
	}
	if _, err := log.Compress(); err != nil {
		warnf("Could not compress %s: %v", log.Path, err)
	}
	return bin, nil
}

// EnsureFirmware returns the OpenSBI payload, downloading it once.
func (p *Pipeline) EnsureFirmware(ctx context.Context) (string, error) {
	return p.Fetcher.DownloadFile(ctx, p.Settings.FirmwareURL, firmwareName)
}

// locateImage finds the disk image, building the default board first when
// nothing has been produced yet.
func (p *Pipeline) locateImage(ctx context.Context) (string, error) {
	images := p.Layout.ImagesDir()
	disk, err := findImage(images)
	if err == nil {
		return disk, nil
	}
	if !errors.Is(err, ErrImageNotFound) {
		return "", err
	}

	board, ok := lookupBoard(p.Settings.Board)
	if !ok {
		return "", fmt.Errorf("%w: default board %q", ErrUnknownCommand, p.Settings.Board)
	}
	warnf("No disk image in %s, building %s first", images, board.Name)
	if err := p.BuildBoard(ctx, board); err != nil {
		return "", err
	}
	return findImage(images)
}

// RunEmulator boots the built image in the foreground on the current terminal.
func (p *Pipeline) RunEmulator(ctx context.Context) error {
	disk, err := p.locateImage(ctx)
	if err != nil {
		return err
	}
	kernel := filepath.Join(filepath.Dir(disk), kernelName)
	if _, err := os.Stat(kernel); err != nil {
		return fmt.Errorf("%w: kernel %s missing next to %s", ErrImageNotFound, kernel, disk)
	}

	qemu, err := p.EnsureQEMU(ctx)
	if err != nil {
		return err
	}
	fw, err := p.EnsureFirmware(ctx)
	if err != nil {
		return err
	}

	args := qemuArgs(EmulatorOptions{
		QEMU:     qemu,
		Firmware: fw,
		Kernel:   kernel,
		Disk:     disk,
		Memory:   p.Settings.QEMUMemory,
		CPUs:     p.Settings.QEMUCPUs,
		SSHPort:  p.Settings.SSHPort,
	})
	stepf("Booting %s (ssh on localhost:%d, Ctrl-A X to quit)", filepath.Base(disk), p.Settings.SSHPort)
	return runStage(p.Interactive, "emulator", exec.CommandContext(ctx, qemu, args...))
}
