// Package commands holds the carpetbagd CLI's kong-tagged subcommands —
// each a flag struct with a Run(*slog.Logger) error method.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jturney/carpetbag/internal/analyzer"
	"github.com/jturney/carpetbag/internal/builder"
	"github.com/jturney/carpetbag/internal/hypervisor"
	"github.com/jturney/carpetbag/internal/service"
	"github.com/jturney/carpetbag/internal/verifier"
)

// Run is the `carpetbagd run` subcommand: the main loop (spec.md §4.7).
type Run struct {
	Root         string        `default:"/var/lib/carpetbag" env:"CARPETBAG_ROOT"          help:"Storage root for uploads, queue, job database, and counter"`
	LogDir       string        `default:"/var/log/carpetbag" env:"CARPETBAG_LOG_DIR"        help:"Per-job log directory"`
	QueueName    string        `default:"package_build_q"    env:"CARPETBAG_QUEUE"          help:"Queue name under Root/dirq"`
	RemoteHost   string        `env:"CARPETBAG_REMOTE_HOST" help:"rsync host for the remote queue/uploads feed, e.g. user@host (sync disabled if empty)"`
	RemotePath   string        `default:"/sourceware/cygwin-staging/queue" env:"CARPETBAG_REMOTE_PATH" help:"Remote path synced into Root's uploads and dirq trees"`
	PollInterval time.Duration `default:"1h"                 env:"CARPETBAG_POLL_INTERVAL"  help:"Sleep between iterations (1h prod, 1m test mode)"`
	Archs        []string      `default:"x86_64"             env:"CARPETBAG_ARCHS"          help:"Arch allow-list"`

	LibvirtSocket string `default:"/var/run/libvirt/libvirt-sock" env:"CARPETBAG_LIBVIRT_SOCKET" help:"libvirt RPC socket path"`
	Debug         bool   `env:"CARPETBAG_DEBUG" help:"Skip VM teardown, leaving clones running for inspection"`

	PkgConfigMap     string `env:"CARPETBAG_PKGCONFIG_MAP" help:"YAML map of pkg-config module to package names"`
	DevelPackageMap  string `env:"CARPETBAG_DEVEL_MAP"     help:"YAML map of runtime package to devel package names"`
	PerPackageDepMap string `env:"CARPETBAG_OVERRIDE_MAP"  help:"YAML map of package directory basename to extra build deps"`
}

// Run executes the service's main loop until ctx is cancelled or a
// signal arrives.
func (r *Run) Run(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		logger.Info("carpetbagd.signal", "signal", sig)
		cancel()
	}()

	cfg := service.Config{
		Root:         r.Root,
		LogDir:       r.LogDir,
		QueueName:    r.QueueName,
		RemoteHost:   r.RemoteHost,
		RemotePath:   r.RemotePath,
		PollInterval: r.PollInterval,
		Archs:        r.Archs,
	}

	st, q, err := service.Bootstrap(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tables, err := analyzer.LoadTables(r.PkgConfigMap, r.DevelPackageMap, r.PerPackageDepMap)
	if err != nil {
		return err
	}

	an := analyzer.New(tables, logger.WithGroup("analyzer"))
	vf := verifier.New(logger.WithGroup("verifier"))

	conn, events, err := hypervisor.Connect(r.LibvirtSocket)
	if err != nil {
		return err
	}

	cloner := hypervisor.New(conn, events, logger.WithGroup("hypervisor"), r.Debug)
	bd := builder.New(cloner, builder.DefaultArchTable, logger.WithGroup("builder"))

	svc := service.New(cfg, q, st, an, bd, vf, logger.WithGroup("service"))

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
