package rvbuild

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// argValue returns the argument following flag in args, or "" if flag is absent.
func argValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestQEMUArgs(t *testing.T) {
	args := qemuArgs(EmulatorOptions{
		Firmware: "/c/fw_jump.bin",
		Kernel:   "/img/Image",
		Disk:     "/img/rootfs.ext4",
		Memory:   "4G",
		CPUs:     2,
		SSHPort:  10022,
	})

	assert.Equal(t, "virt", argValue(args, "-machine"))
	assert.Equal(t, "/c/fw_jump.bin", argValue(args, "-bios"))
	assert.Equal(t, "/img/Image", argValue(args, "-kernel"))
	assert.Equal(t, "4G", argValue(args, "-m"))
	assert.Equal(t, "2", argValue(args, "-smp"))
	assert.Equal(t, "user,id=net0,hostfwd=tcp::10022-:22", argValue(args, "-netdev"))
	assert.Equal(t, "file=/img/rootfs.ext4,format=raw,id=hd0,if=none", argValue(args, "-drive"))
	assert.Equal(t, "root=/dev/vda rw console=ttyS0 earlycon", argValue(args, "-append"))
	assert.Equal(t, "-nographic", args[len(args)-1])

	joined := strings.Join(args, " ")
	for _, dev := range []string{"virtio-net-device,netdev=net0", "virtio-blk-device,drive=hd0", "qemu-xhci", "usb-kbd", "usb-tablet"} {
		assert.Contains(t, joined, "-device "+dev)
	}
}

func TestFindImagePatternOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sdcard.img"), "", 0o644)
	writeFile(t, filepath.Join(dir, "rootfs.ext2"), "", 0o644)

	got, err := findImage(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rootfs.ext2"), got)

	writeFile(t, filepath.Join(dir, "rootfs.ext4"), "", 0o644)
	got, err = findImage(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rootfs.ext4"), got)
}

func TestFindImageNone(t *testing.T) {
	_, err := findImage(t.TempDir())
	require.ErrorIs(t, err, ErrImageNotFound)
}

func TestRunEmulatorUsesBuiltArtifacts(t *testing.T) {
	root := t.TempDir()
	user, rootRunner, term := &fakeRunner{}, &fakeRunner{}, &fakeRunner{}
	p := NewPipeline(testSettings(root), nil, user, rootRunner, term)

	images := p.Layout.ImagesDir()
	writeFile(t, filepath.Join(images, "rootfs.ext2"), "disk", 0o644)
	writeFile(t, filepath.Join(images, kernelName), "kernel", 0o644)
	qemu := filepath.Join(p.Layout.QEMUPrefix(), "bin", qemuBinary)
	writeFile(t, qemu, "#!/bin/sh\n", 0o755)
	fw := p.Cache.FilePath(firmwareName)
	writeFile(t, fw, "fw", 0o644)

	require.NoError(t, p.RunEmulator(context.Background()))

	assert.Empty(t, user.calls, "nothing is built or fetched when every artifact exists")
	assert.Empty(t, rootRunner.calls)
	require.Len(t, term.calls, 1)
	args := term.calls[0].Args
	assert.Equal(t, qemu, args[0])
	assert.Equal(t, fw, argValue(args, "-bios"))
	assert.Equal(t, filepath.Join(images, kernelName), argValue(args, "-kernel"))
	assert.Equal(t, "2G", argValue(args, "-m"))
}

func TestRunEmulatorRequiresKernel(t *testing.T) {
	p := NewPipeline(testSettings(t.TempDir()), nil, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	writeFile(t, filepath.Join(p.Layout.ImagesDir(), "rootfs.ext4"), "disk", 0o644)

	require.ErrorIs(t, p.RunEmulator(context.Background()), ErrImageNotFound)
}

func TestEnsureQEMUBuildsPinnedRelease(t *testing.T) {
	root := t.TempDir()
	var p *Pipeline
	user := &fakeRunner{hook: func(cmd *exec.Cmd) error {
		if err := cloneHook(cmd); err != nil {
			return err
		}
		if cmd.Args[0] == "make" {
			writeFile(t, filepath.Join(p.Layout.QEMUPrefix(), "bin", qemuBinary), "#!/bin/sh\n", 0o755)
		}
		return nil
	}}
	p = NewPipeline(testSettings(root), nil, user, &fakeRunner{}, &fakeRunner{})

	bin, err := p.EnsureQEMU(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.Layout.QEMUPrefix(), "bin", qemuBinary), bin)

	clone := user.callsTo("git", "clone")
	require.Len(t, clone, 1)
	assert.Equal(t, "v8.2.2", argValue(clone[0].Args, "--branch"))

	cfg := user.callsTo("./configure")
	require.Len(t, cfg, 1)
	assert.Equal(t, []string{
		"./configure",
		"--prefix=" + p.Layout.QEMUPrefix(),
		"--target-list=riscv64-softmmu,riscv64-linux-user",
	}, cfg[0].Args)
	assert.Equal(t, []string{"make", "-j4", "install"}, user.callsTo("make")[0].Args)

	// Installed: the next call builds nothing.
	n := len(user.calls)
	_, err = p.EnsureQEMU(context.Background())
	require.NoError(t, err)
	assert.Len(t, user.calls, n)
}
