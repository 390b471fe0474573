// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// veilfs mounts an encrypting overlay filesystem. Files written
// through the mountpoint are encrypted with an external GPG-style
// program before they reach the backing target directory; files are
// decrypted on access only when the mount runs in decrypting mode.
//
// Usage:
//
//	veilfs [flags] TARGET MOUNTPOINT
//
// The default mode is write-only: anything can be written through the
// mount, but existing files can never be read back. This suits
// append-style use (log shipping, backups) on machines that hold no
// private key material at all.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/veilfs/veilfs/lib/config"
	"github.com/veilfs/veilfs/lib/gpg"
	"github.com/veilfs/veilfs/lib/overlay"
	overlayfuse "github.com/veilfs/veilfs/lib/overlay/fuse"
	"github.com/veilfs/veilfs/lib/pagebuf"
	"github.com/veilfs/veilfs/lib/process"
	"github.com/veilfs/veilfs/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		recipients []string
		gpgProgram string
		decrypt    bool
		memoryLock string
		allowOther bool
		configPath string
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("veilfs", pflag.ContinueOnError)
	flagSet.StringArrayVarP(&recipients, "recipient", "r", nil, "encrypt for this key identifier (repeatable)")
	flagSet.StringVar(&gpgProgram, "gpg", "", "path to the external encryption program (default: gpg)")
	flagSet.BoolVarP(&decrypt, "decrypt", "d", false, "decrypt existing files on access (requires the private key)")
	flagSet.StringVar(&memoryLock, "mlock", "", "lock plaintext memory against swap: none, buffers, or all")
	flagSet.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount")
	flagSet.StringVar(&configPath, "config", "", "path to veilfs.yaml")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("veilfs")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags override the config file field by field.
	if len(recipients) > 0 {
		cfg.Recipients = recipients
	}
	if gpgProgram != "" {
		cfg.GPGProgram = gpgProgram
	}
	if flagSet.Changed("decrypt") {
		cfg.Decrypt = decrypt
	}
	if memoryLock != "" {
		cfg.MemoryLock = memoryLock
	}
	if flagSet.Changed("allow-other") {
		cfg.AllowOther = allowOther
	}

	args := flagSet.Args()
	switch len(args) {
	case 0:
	case 2:
		cfg.Target = args[0]
		cfg.Mountpoint = args[1]
	default:
		return fmt.Errorf("expected TARGET and MOUNTPOINT arguments, got %d", len(args))
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose || os.Getenv("VEILFS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	lockPolicy, err := pagebuf.ParseLockPolicy(cfg.MemoryLock)
	if err != nil {
		return err
	}
	if lockPolicy == pagebuf.LockAll {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			return fmt.Errorf("locking process memory: %w", err)
		}
		logger.Debug("process memory locked")
	}

	tool := gpg.Tool{Program: cfg.GPGProgram}

	// Fail before mounting if any recipient's key is unknown to the
	// encryption program. A bad recipient would otherwise surface as
	// an I/O error on the first file close.
	validRecipients, err := tool.ValidateRecipients(cfg.Recipients)
	if err != nil {
		return err
	}
	logger.Debug("recipients validated", "count", len(validRecipients))

	core, err := overlay.New(overlay.Options{
		Target:     cfg.Target,
		Recipients: validRecipients,
		Tool:       tool,
		Decrypt:    cfg.Decrypt,
		LockPolicy: lockPolicy,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer core.Close()

	server, err := overlayfuse.Mount(overlayfuse.Options{
		Mountpoint: cfg.Mountpoint,
		Filesystem: core,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mode := "write-only"
	if cfg.Decrypt {
		mode = "decrypting"
	}
	logger.Info("veilfs mounted",
		"target", cfg.Target,
		"mountpoint", cfg.Mountpoint,
		"mode", mode,
		"recipients", len(validRecipients),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("unmounting", "mountpoint", cfg.Mountpoint)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	// Blocks until the filesystem is unmounted, by signal or by an
	// external fusermount -u.
	server.Wait()
	return nil
}

// loadConfig resolves the configuration sources: an explicit --config
// path wins, then VEILFS_CONFIG, then built-in defaults (flags and
// positional arguments must then supply the rest).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("VEILFS_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Printf(`veilfs - encrypting overlay filesystem

Usage:
  veilfs [flags] TARGET MOUNTPOINT

Files written through MOUNTPOINT are encrypted for the configured
recipients and stored under TARGET. Without --decrypt the mount is
write-only: existing files can never be read back through it.

Flags:
%s`, flagSet.FlagUsages())
}
