// Command printer-agent is an example embedding application wiring a
// Printer, a StorageBackend and the ambient logging/metrics stack
// together, grounded on the teacher's server wiring order in
// fruitsalade/cmd/server/main.go: config load -> logger init -> metrics
// registry -> component construction -> run loop -> signal shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prusa3d/connect-printer-sdk/internal/config"
	"github.com/prusa3d/connect-printer-sdk/pkg/metadata"
	"github.com/prusa3d/connect-printer-sdk/pkg/model"
	"github.com/prusa3d/connect-printer-sdk/pkg/printer"
	"github.com/prusa3d/connect-printer-sdk/pkg/printerlog"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage/localbackend"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage/s3backend"
	"github.com/prusa3d/connect-printer-sdk/pkg/transport"
	"github.com/prusa3d/connect-printer-sdk/pkg/vfs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := printerlog.Init(printerlog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer printerlog.Sync()

	printerlog.Info("printer-agent starting", zap.String("server_url", cfg.ServerURL), zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, storageName, err := buildBackend(ctx, cfg)
	if err != nil {
		printerlog.Error("storage backend init failed", zap.Error(err))
		os.Exit(1)
	}

	ht := transport.New(cfg.ServerURL)
	p := printer.New(printer.Config{
		ServerURL:      cfg.ServerURL,
		Identity:       model.Identity{Type: model.PrinterType(cfg.PrinterType), SerialNumber: cfg.SerialNumber, Fingerprint: cfg.Fingerprint},
		Token:          cfg.Token,
		SDKVersion:     cfg.SDKVersion,
		PrinterVersion: cfg.PrinterVersion,
		EventQueueCapacity: cfg.EventQueueCapacity,
	}, ht, map[string]storage.Backend{storageName: backend})

	if _, err := p.Filesystem().Mount(storageName, vfs.StorageUSB, false); err != nil {
		printerlog.Error("mount failed", zap.Error(err))
		os.Exit(1)
	}

	var metaCache *metadata.Cache
	if cfg.StorageBackend != "s3" {
		go watchLocalStorage(ctx, p.Filesystem(), cfg.LocalRoot, storageName)

		metaCache = metadata.New(&headerExtractor{})
		p.Filesystem().OnChange(func(path string, kind vfs.ChangeKind) {
			if kind != vfs.ChangeModified && kind != vfs.ChangeDeleted {
				return
			}
			abs, ok := localPath(cfg.LocalRoot, storageName, path)
			if ok {
				metaCache.Invalidate(abs)
			}
		})
	}

	registerDefaultHandlers(p, metaCache, cfg.LocalRoot, storageName)

	if p.State() != model.StateReady {
		if err := p.SetState(model.StateReady, model.SourceConnect, nil); err != nil {
			printerlog.Warn("initial state transition failed", zap.Error(err))
		}
	}

	if cfg.Token == "" {
		if err := registerAndWaitForToken(ctx, p); err != nil {
			printerlog.Error("registration failed", zap.Error(err))
			os.Exit(1)
		}
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		printerlog.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			printerlog.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		printerlog.Info("shutting down...")
		p.StopLoop()
		metricsServer.Close()
		cancel()
	}()

	if err := p.Loop(ctx); err != nil && err != context.Canceled {
		printerlog.Error("loop exited with error", zap.Error(err))
	}
	printerlog.Info("printer-agent stopped")
}

// watchLocalStorage polls the local backend's directory for out-of-band
// changes (files dropped or removed by something other than this process)
// and reports them to tree, translating an OS path under root into the
// vfs-tree path it corresponds to under storageName.
func watchLocalStorage(ctx context.Context, tree *vfs.Tree, root, storageName string) {
	w := vfs.NewPollingWatcher(2 * time.Second)
	err := w.Watch(ctx, root, func(path string, kind vfs.ChangeKind) {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return
		}
		tree.EmitFileChanged("/"+storageName+"/"+filepath.ToSlash(rel), kind)
	})
	if err != nil && err != context.Canceled {
		printerlog.Warn("local storage watcher stopped", zap.Error(err))
	}
}

// localPath translates a vfs-tree path (e.g. "/usb/prints/a.gcode") into
// the absolute OS path the local backend serves it from. ok is false for
// a path outside storageName's mount, which the metadata cache never
// tracks.
func localPath(root, storageName, vfsPath string) (string, bool) {
	prefix := "/" + storageName + "/"
	if vfsPath == "/"+storageName {
		return root, true
	}
	if !strings.HasPrefix(vfsPath, prefix) {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(vfsPath, prefix))), true
}

// headerExtractor is a minimal metadata.Extractor: real thumbnail and
// slicer-header parsing is printer-type specific and left to the
// embedder (spec names it a pluggable boundary), so this only reports
// the file size as EstimatedTimeSec's stand-in via Extra, enough to
// exercise the cache end to end.
type headerExtractor struct{}

func (headerExtractor) Extract(absolutePath string) (metadata.Record, error) {
	info, err := os.Stat(absolutePath)
	if err != nil {
		return metadata.Record{}, err
	}
	ext := strings.ToLower(filepath.Ext(absolutePath))
	if ext != ".gcode" && ext != ".bgcode" {
		return metadata.Record{}, nil
	}
	return metadata.Record{Extra: map[string]string{"size_bytes": fmt.Sprintf("%d", info.Size())}}, nil
}

func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, string, error) {
	switch cfg.StorageBackend {
	case "s3":
		b, err := s3backend.New(ctx, s3backend.Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		return b, "usb", err
	default:
		if err := os.MkdirAll(cfg.LocalRoot, 0o755); err != nil {
			return nil, "", fmt.Errorf("create local storage root: %w", err)
		}
		return localbackend.New(cfg.LocalRoot), "usb", nil
	}
}

func registerDefaultHandlers(p *printer.Printer, metaCache *metadata.Cache, localRoot, storageName string) {
	p.Handler(model.CommandSendInfo, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		info := p.Filesystem().GetInfo()
		return model.HandlerResult{Event: model.EventInfo, Data: map[string]any{"files": info}}, nil
	})
	p.Handler(model.CommandResetPrinter, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		printerlog.Warn("RESET_PRINTER received; embedder must implement the actual reset")
		return model.HandlerResult{}, nil
	})
	p.Handler(model.CommandSendFileInfo, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		path, _ := cmd.Kwargs["path"].(string)
		info, err := p.Filesystem().Get(path)
		if err != nil {
			return model.HandlerResult{}, err
		}
		data := map[string]any{"path": info.Path, "size": info.Size, "m_timestamp": info.MTime}
		if metaCache != nil {
			if abs, ok := localPath(localRoot, storageName, path); ok {
				if rec, found, err := metaCache.Get(abs, info.MTime, info.Size); err == nil && found {
					data["metadata"] = rec
				}
			}
		}
		return model.HandlerResult{Event: model.EventInfo, Data: data}, nil
	})
}

func registerAndWaitForToken(ctx context.Context, p *printer.Printer) error {
	code, err := p.Register(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Enter this code on the Connect website to finish registration: %s\n", code)

	token, err := p.PollUntilRegistered(ctx, code, 3*time.Second, 10*time.Minute)
	_ = token
	return err
}
