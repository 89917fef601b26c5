// Command gpgfs mounts an encrypted directory tree as a FUSE filesystem.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rudis/gpgfs/internal/cryptostore"
	"github.com/rudis/gpgfs/internal/fuseadapter"
	"github.com/rudis/gpgfs/internal/gpgfs"
)

// errUsage's text is the exact one-line message, matching
// original_source/gpgfs.py's `sys.stderr.write('Usage: ...\n')`. spec.md §6
// takes no flags: GNUPGHOME is read from the environment, not a flag.
var errUsage = errors.New("Usage: gpgfs <gpg_keyid> <encrypted_root> <mountpoint>")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gpgfs",
		Short:         "mount an OpenPGP-encrypted directory tree as a FUSE filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 {
				return errUsage
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1], args[2])
		},
	}
	return cmd
}

func run(ctx context.Context, keyid, encryptedRoot, mountpoint string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("gpgfs: building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	engine, err := cryptostore.NewOpenPGPEngine(cryptostore.DefaultGNUPGHome())
	if err != nil {
		return fmt.Errorf("gpgfs: loading keyring: %w", err)
	}
	store := cryptostore.New(engine, keyid)

	fs, err := gpgfs.Open(encryptedRoot, store, log)
	if err != nil {
		return fmt.Errorf("gpgfs: opening %s: %w", encryptedRoot, err)
	}

	server := fuseutil.NewFileSystemServer(fuseadapter.New(fs))
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:                 "gpgfs",
		ReadOnly:               false,
		EnableNoOpendirSupport: false,
	})
	if err != nil {
		return fmt.Errorf("gpgfs: mounting at %s: %w", mountpoint, err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		log.Infow("unmounting", "mountpoint", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Errorw("unmount failed", "error", err)
		}
	}()

	return mfs.Join(ctx)
}
