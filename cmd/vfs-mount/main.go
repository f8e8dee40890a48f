package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/prusa3d/connect-printer-sdk/internal/config"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage/localbackend"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage/s3backend"
	"github.com/prusa3d/connect-printer-sdk/pkg/vfs"
)

func main() {
	mountPoint := flag.String("mount", "", "mount point (required)")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintln(os.Stderr, "Error: -mount is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage backend init failed: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*mountPoint, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create mount point: %v\n", err)
		os.Exit(1)
	}

	root := &vfsNode{
		backend: backend,
		path:    "/",
		info:    vfs.NodeInfo{Name: "/", Path: "/", IsDir: true},
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "connect-printer-sdk",
			Name:       "vfs-mount",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(*mountPoint, root, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mount failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("vfs-mount: %s storage mounted read-only at %s\n", cfg.StorageBackend, *mountPoint)
	fmt.Println("Press Ctrl+C to unmount and exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	server.Unmount()
}

func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
	default:
		if err := os.MkdirAll(cfg.LocalRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage root: %w", err)
		}
		return localbackend.New(cfg.LocalRoot), nil
	}
}
