// Command snitchd is the daemon entrypoint: process command surface
// (start/stop/restart/status/systemd/help), component wiring, and graceful
// shutdown. The signal-driven shutdown sequence follows the root main.go's
// SIGINT/SIGTERM-on-a-channel pattern; multi-worker shutdown error
// aggregation uses github.com/hashicorp/go-multierror the way
// lonelysadness-OpenMonitor's pkg/nfq/interception.go collects per-link
// teardown errors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/snitchd/snitchd/aggregator"
	"github.com/snitchd/snitchd/config"
	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/execache"
	"github.com/snitchd/snitchd/hasher"
	"github.com/snitchd/snitchd/kernelprobe"
	"github.com/snitchd/snitchd/monitor"
	"github.com/snitchd/snitchd/notify"
	"github.com/snitchd/snitchd/privileges"
	"github.com/snitchd/snitchd/recordstore"
	"github.com/snitchd/snitchd/resolve"
	"github.com/snitchd/snitchd/scanclient"
	"github.com/snitchd/snitchd/sigma"
	"github.com/snitchd/snitchd/sink"
	"github.com/snitchd/snitchd/status"
	"github.com/snitchd/snitchd/tamper"
	"github.com/snitchd/snitchd/types"
)

const foregroundEnv = "SNITCHD_FOREGROUND"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "start":
		err = cmdStart()
	case "stop":
		err = cmdStop()
	case "restart":
		if err = cmdStop(); err == nil {
			err = cmdStart()
		}
	case "status":
		err = cmdStatus()
	case "systemd":
		err = cmdSystemd()
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`snitchd - host-based network-activity monitor

Usage:
  snitchd start     start the daemon
  snitchd stop      stop the running daemon
  snitchd restart   stop then start the daemon
  snitchd status    report whether the daemon is running
  snitchd systemd   write a systemd unit file and exit
  snitchd help      show this message`)
}

func pidFilePath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "snitchd.pid")
}

// cmdStart either runs the daemon directly (when re-exec'd with
// SNITCHD_FOREGROUND set) or spawns a detached copy of itself and returns,
// mirroring daemonize-on-posix the way original_source/picosnitch.py's
// daemon.DaemonContext does, without depending on a fork-exec-only library.
func cmdStart() error {
	if os.Getenv(foregroundEnv) == "1" {
		return run()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if pid, alive := readPid(pidFilePath(cfg)); alive {
		return fmt.Errorf("snitchd already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	cmd := exec.Command(exe, "start")
	cmd.Env = append(os.Environ(), foregroundEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logPath := filepath.Join(cfg.DataDir, "snitchd.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	if err := os.WriteFile(pidFilePath(cfg), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		return err
	}
	fmt.Printf("snitchd started (pid %d)\n", cmd.Process.Pid)
	return nil
}

func cmdStop() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pid, alive := readPid(pidFilePath(cfg))
	if !alive {
		return fmt.Errorf("snitchd is not running")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			os.Remove(pidFilePath(cfg))
			fmt.Println("snitchd stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("snitchd (pid %d) did not stop within 10s", pid)
}

func cmdStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if pid, alive := readPid(pidFilePath(cfg)); alive {
		fmt.Printf("running (pid %d)\n", pid)
		return nil
	}
	fmt.Println("not running")
	return fmt.Errorf("not running")
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

const systemdUnit = `[Unit]
Description=snitchd network-activity monitor
After=network.target

[Service]
Type=simple
ExecStart=%s start
Restart=on-failure

[Install]
WantedBy=multi-user.target
`

// cmdSystemd writes a unit file and exits; it never installs or enables it.
func cmdSystemd() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	unit := fmt.Sprintf(systemdUnit, exe)
	path := "snitchd.service"
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

// run wires every component together and blocks until a shutdown signal.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "snitchd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := newPlatformProbe(kernelprobe.Config{
		CgroupPath: "/sys/fs/cgroup",
		RingPages:  cfg.PerfRingBufferPages,
	})

	nofile := rlimitNofile(cfg.RLimitNofile)
	hashPool := hasher.New(int(nofile/4), 5*time.Second)

	var notifier notify.Notifier = notify.NewLogNotifier(logger.With("component", "notify"))
	notifier = notify.NewDeduped(notifier, 5*time.Minute)

	sqlite, err := sink.NewSQLite(cfg.DataDir)
	if err != nil {
		return err
	}
	// retention: drop embedded-store rows older than DBRetentionDays, hourly.
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			if err := sqlite.Retain(ctx, cfg.DBRetentionDays); err != nil {
				logger.Error("sqlite retention", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	var cache *execache.Cache
	tamperW, err := tamper.New(func(id types.ExeId, path string) {
		// a watched executable changed on disk: drop the now-stale hash so
		// the next connection re-hashes it.
		cache.Invalidate(id)
	}, logger.With("component", "tamper"))
	if err != nil {
		return err
	}
	cache, err = execache.New(int(nofile/2), func(id types.ExeId, hash string) {
		// LRU eviction or explicit invalidation either way means the
		// corresponding tamper watch is no longer worth holding open.
		tamperW.Forget(id)
	})
	if err != nil {
		return err
	}

	mon := monitor.New(probe, hashPool, cache, tamperW, resolve.NewDomainResolver(), resolve.NewUserResolver(), cfg, logger.With("component", "monitor"), notifier)
	agg := aggregator.New(mon.Out, time.Duration(cfg.DBWriteLimitSecs)*time.Second, cfg.BandwidthMonitor)

	sinks := []sink.Sink{sqlite}
	if cfg.DBTextLog {
		textLog, err := sink.NewTextLog(cfg.DBTextLogPath)
		if err != nil {
			return err
		}
		sinks = append(sinks, textLog)
	}
	if cfg.DBSQLServer.Enabled {
		remote, err := sink.NewRemoteSink(cfg.DBSQLServer.Driver, cfg.DBSQLServer.DSN)
		if err != nil {
			return err
		}
		sinks = append(sinks, remote)
	}
	fanout := sink.NewFanout(logger.With("component", "sink"), sinks...)

	store, err := recordstore.Open(filepath.Join(cfg.DataDir, "records.json"), notifier, fanout)
	if err != nil {
		return err
	}

	if err := sigma.EnsureSchema(sqlite.DB()); err != nil {
		return err
	}
	detector, err := sigma.NewDetector(filepath.Join(cfg.DataDir, "rules"), sqlite.DB(), notifier, logger.With("component", "sigma"))
	if err != nil {
		return err
	}

	var scanner *scanclient.Client
	if cfg.VTAPIKey != "" {
		scanner = scanclient.New(
			scanclient.NewVirusTotal(cfg.VTAPIKey), store,
			logger.With("component", "scanclient"),
			time.Duration(cfg.VTRequestLimitSecs)*time.Second,
			cfg.VTFileUpload,
		)
		scanner.SeedFromStore()
	}

	statusSrv := status.New(sqlite.DB(), store, cache, detector, logger.With("component", "status"))

	if err := privileges.Drop(); err != nil {
		logger.Warn("could not drop privileges", "error", err)
	}

	return runWorkers(ctx, logger, mon, agg, tamperW, detector, scanner, statusSrv, store, fanout)
}

func rlimitNofile(override uint64) uint64 {
	if override > 0 {
		return override
	}
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 1024
	}
	return rlim.Cur
}

// runWorkers starts every long-lived goroutine and blocks until ctx is
// cancelled, then waits (with a deadline) for all of them to exit,
// collecting shutdown errors via go-multierror.
func runWorkers(
	ctx context.Context,
	logger *slog.Logger,
	mon *monitor.Monitor,
	agg *aggregator.Aggregator,
	tamperW *tamper.Watcher,
	detector *sigma.Detector,
	scanner *scanclient.Client,
	statusSrv *status.Server,
	store *recordstore.Store,
	fanout *sink.Fanout,
) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); mon.Run(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); agg.Run(ctx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tamperStop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(tamperStop)
		}()
		tamperW.Run(tamperStop)
	}()

	wg.Add(1)
	go func() { defer wg.Done(); detector.Run(ctx) }()

	if scanner != nil {
		wg.Add(1)
		go func() { defer wg.Done(); scanner.Run(ctx) }()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusSrv.Start(ctx); err != nil {
			logger.Error("status server", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for batch := range agg.Batches {
			if err := store.Ingest(ctx, batch); err != nil {
				logger.Error("record store ingest", "error", err)
			}
			for _, rec := range batch {
				for _, match := range detector.Evaluate(ctx, rec) {
					logger.Warn("detection match", "rule", match.RuleID, "severity", match.Severity, "exe", rec.ExePath)
				}
				if scanner != nil && rec.ExeSHA256 != "" {
					scanner.Enqueue(rec.ExePath, rec.ExeSHA256)
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	var shutdownErr *multierror.Error

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		shutdownErr = multierror.Append(shutdownErr, errs.New(errs.KindShutdownTimeout, "waiting for workers", nil))
	}

	if err := store.Save(); err != nil {
		shutdownErr = multierror.Append(shutdownErr, err)
	}
	if err := fanout.Close(); err != nil {
		shutdownErr = multierror.Append(shutdownErr, err)
	}

	return shutdownErr.ErrorOrNil()
}
