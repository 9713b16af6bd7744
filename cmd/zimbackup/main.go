// Package main is the entrypoint for the zimbackup agent.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/zimbackup/agent/internal/config"
	"github.com/zimbackup/agent/internal/control"
	"github.com/zimbackup/agent/internal/executor"
	"github.com/zimbackup/agent/internal/healthcheck"
	"github.com/zimbackup/agent/internal/logger"
	"github.com/zimbackup/agent/internal/retention"
	"github.com/zimbackup/agent/internal/scheduler"
	"github.com/zimbackup/agent/internal/status"
	"github.com/zimbackup/agent/internal/transport"
)

var version = "dev"

const remoteConfigName = "backup-config.json"

func main() {
	app := &cli.Command{
		Name:    "zimbackup",
		Usage:   "Unattended file and image backup agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the local backup-config.json",
				Value:   "/etc/zimbackup/backup-config.json",
				Sources: cli.EnvVars("ZIMBACKUP_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "index-path",
				Usage:   "Path to the local current-index file",
				Value:   "/var/lib/zimbackup/current-index.json",
				Sources: cli.EnvVars("ZIMBACKUP_INDEX_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log verbosity: debug, info, warn, error",
				Value:   "info",
				Sources: cli.EnvVars("ZIMBACKUP_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: json or text",
				Value:   "json",
				Sources: cli.EnvVars("ZIMBACKUP_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "health-addr",
				Usage:   "Address for the /healthz HTTP endpoint",
				Value:   ":8080",
				Sources: cli.EnvVars("ZIMBACKUP_HEALTH_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "no-offline-start",
				Usage:   "Fail startup if the NAS is unreachable instead of starting offline",
				Sources: cli.EnvVars("ZIMBACKUP_NO_OFFLINE_START"),
			},
			&cli.BoolFlag{
				Name:    "once",
				Usage:   "Run a single file backup and exit instead of starting the scheduler",
				Sources: cli.EnvVars("ZIMBACKUP_ONCE"),
			},
			&cli.StringFlag{
				Name:    "control-addr",
				Usage:   "UDP address to listen on for discovery broadcasts",
				Value:   ":47111",
				Sources: cli.EnvVars("ZIMBACKUP_CONTROL_ADDR"),
			},
			&cli.StringFlag{
				Name:    "password-file",
				Usage:   "Path to a file holding the SFTP password, overriding the config value",
				Sources: cli.EnvVars("ZIMBACKUP_PASSWORD_FILE"),
			},
			&cli.StringFlag{
				Name:    "private-key-passphrase-file",
				Usage:   "Path to a file holding the SFTP private key passphrase, overriding the config value",
				Sources: cli.EnvVars("ZIMBACKUP_PRIVATE_KEY_PASSPHRASE_FILE"),
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger.Init(cmd.String("log-level"), cmd.String("log-format"))
	log := logger.Log

	cfgPath := cmd.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfgPath).Msg("configuration error")
		return fmt.Errorf("configuration error: %w", err)
	}

	if pw := config.ResolveFileValue(cmd.String("password-file")); pw != "" {
		cfg.Connection.Password = pw
	}
	if pp := config.ResolveFileValue(cmd.String("private-key-passphrase-file")); pp != "" {
		cfg.Connection.PrivateKeyPassphrase = pp
	}

	log = logger.With(cfg.CustomerID, "", "")
	log.Info().
		Str("customer_id", cfg.CustomerID).
		Str("file_cron", cfg.FileBackupCron).
		Bool("full_image_enabled", cfg.EnableFullImageBackup).
		Str("remote_base", cfg.Connection.RemoteBasePath).
		Msg("zimbackup starting")

	// adapter is kept as the transport.Adapter interface (not the concrete
	// *SFTPAdapter) so a failed dial leaves it as a true nil interface;
	// storing a nil *SFTPAdapter in the interface would make every
	// downstream "adapter == nil" check false despite there being no live
	// connection.
	var adapter transport.Adapter
	sftpAdapter, dialErr := transport.DialSFTP(ctx, cfg.Connection)
	if dialErr != nil {
		if cmd.Bool("no-offline-start") {
			log.Error().Err(dialErr).Msg("NAS unreachable on startup test, refusing to start")
			return fmt.Errorf("dialing NAS: %w", dialErr)
		}
		log.Warn().Err(dialErr).Msg("NAS unreachable on startup, continuing offline; runs will fail until connectivity returns")
	} else {
		adapter = sftpAdapter
		defer sftpAdapter.Close()
	}

	indexPath := cmd.String("index-path")
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create index directory")
		return fmt.Errorf("creating index directory: %w", err)
	}

	tracker := healthcheck.NewTracker()
	healthServer := healthcheck.StartServer(cmd.String("health-addr"), tracker)
	defer healthServer.Close()

	machineName, err := os.Hostname()
	if err != nil {
		machineName = "unknown"
	}

	publisher := status.NewPublisher(adapter, cfg.Connection.RemoteBasePath, log)
	exec := executor.NewExecutor(adapter, publisher, indexPath, machineName, version)

	if cmd.Bool("once") {
		result := exec.RunFileBackup(ctx, cfg, log)
		tracker.Update(toStatus(result, cfg, machineName, time.Time{}))
		if result.Outcome == status.OutcomeFailed {
			return fmt.Errorf("backup run failed: %s", result.Error)
		}
		return nil
	}

	runFn := func(ctx context.Context, kind string) (executor.RunResult, error) {
		switch kind {
		case "config_sync":
			started := time.Now().UTC()
			if err := syncConfig(ctx, adapter, cfg, cfgPath, log); err != nil {
				return executor.RunResult{Kind: kind, Outcome: status.OutcomeFailed, Error: err.Error(), StartedUTC: started, FinishedUTC: time.Now().UTC()}, err
			}
			if req, err := publisher.FetchRestoreRequest(ctx); err != nil {
				log.Warn().Err(err).Msg("config_sync: failed to check for a pending restore request")
			} else if req != nil {
				log.Info().Str("scope", string(req.Scope)).Str("message", req.Message).Msg("config_sync: restore request pending, awaiting operator action")
			}
			return executor.RunResult{Kind: kind, Outcome: status.OutcomeSuccess, StartedUTC: started, FinishedUTC: time.Now().UTC()}, nil

		case "file":
			result := exec.RunFileBackup(ctx, cfg, log)
			if result.Outcome == status.OutcomeFailed {
				return result, fmt.Errorf("file backup failed: %s", result.Error)
			}
			if _, err := retention.Run(ctx, adapter, cfg.Connection.RemoteBasePath, cfg.RetentionKeepLast, log); err != nil {
				log.Warn().Err(err).Msg("retention enforcement failed")
			}
			return result, nil

		case "full_image":
			runner := executor.ExecRunner{}
			imageName := "image-" + time.Now().UTC().Format("20060102-150405") + ".img"
			imageStream, err := executor.CaptureImage(ctx, runner, "zimbackup-image-tool", "--stdout")
			if err != nil {
				log.Error().Err(err).Msg("full image capture failed")
				return executor.RunResult{Kind: kind, Outcome: status.OutcomeFailed, Error: err.Error(), StartedUTC: time.Now().UTC(), FinishedUTC: time.Now().UTC()}, fmt.Errorf("capturing image: %w", err)
			}
			result := exec.RunFullImageBackup(ctx, cfg, imageName, imageStream, log)
			if closeErr := imageStream.Close(); closeErr != nil && result.Outcome != status.OutcomeFailed {
				result.Outcome = status.OutcomeFailed
				result.Error = closeErr.Error()
			}
			if result.Outcome == status.OutcomeFailed {
				return result, fmt.Errorf("full image backup failed: %s", result.Error)
			}
			if _, err := retention.Run(ctx, adapter, cfg.Connection.RemoteBasePath, cfg.RetentionKeepLast, log); err != nil {
				log.Warn().Err(err).Msg("retention enforcement failed")
			}
			return result, nil

		default:
			return executor.RunResult{Kind: kind, Outcome: status.OutcomeFailed, Error: fmt.Sprintf("unknown run kind %q", kind)}, fmt.Errorf("unknown run kind %q", kind)
		}
	}

	sched, err := scheduler.New(cfg, runFn)
	if err != nil {
		log.Error().Err(err).Msg("failed to build scheduler")
		return fmt.Errorf("scheduler: %w", err)
	}
	exec.NextScheduled = sched.NextScheduledUTC

	go reflectNextScheduled(ctx, sched, tracker)
	go reflectCompletedRuns(ctx, sched, tracker, cfg, machineName)

	runCtx, cancel := context.WithCancel(ctx)
	go sched.Run(runCtx, log)
	go startControlResponder(runCtx, cmd.String("control-addr"), machineName, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()
	log.Info().Msg("shutdown complete")
	return nil
}

// reflectNextScheduled mirrors the scheduler's computed next-run time into
// the health tracker so /healthz can report it between runs, polling rather
// than subscribing since the scheduler only updates it once per wakeup.
func reflectNextScheduled(ctx context.Context, sched *scheduler.Scheduler, tracker *healthcheck.Tracker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := sched.NextScheduledUTC(); !next.IsZero() {
				tracker.SetNextScheduled(next)
			}
		}
	}
}

// reflectCompletedRuns reacts to the scheduler's per-run completion signal
// (spec §4.1's "BackupCompleted(result)") and mirrors it into the health
// tracker, replacing the old out-of-band tracker.Update calls inside runFn.
func reflectCompletedRuns(ctx context.Context, sched *scheduler.Scheduler, tracker *healthcheck.Tracker, cfg *config.Config, machineName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-sched.Completed():
			tracker.Update(toStatus(result, cfg, machineName, sched.NextScheduledUTC()))
		}
	}
}

// startControlResponder listens for UDP discovery broadcasts (spec §6) and
// answers each one with this host's response message, so other agents on the
// subnet can find it. A bad address or bound port disables discovery rather
// than failing startup, since it's a convenience, not a backup dependency.
func startControlResponder(ctx context.Context, addr string, hostname string, log zerolog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("invalid control listen address, discovery responder disabled")
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("failed to start discovery responder")
		return
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Info().Str("addr", addr).Msg("discovery responder listening")
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("discovery responder read failed")
			continue
		}
		if _, err := control.ParseDiscover(buf[:n]); err != nil {
			continue
		}
		if err := control.Respond(conn, from, hostname); err != nil {
			log.Warn().Err(err).Msg("failed to answer discovery broadcast")
		}
	}
}

func toStatus(result executor.RunResult, cfg *config.Config, machineName string, next time.Time) status.Status {
	return status.Status{
		CustomerID:       cfg.CustomerID,
		MachineName:      machineName,
		AgentVersion:     version,
		LastRunID:        result.RunID,
		Kind:             result.Kind,
		LastOutcome:      result.Outcome,
		FilesUploaded:    result.FilesUploaded,
		FilesFailed:      result.FilesFailed,
		BytesUploaded:    result.BytesUploaded,
		Error:            result.Error,
		LastBackupUTC:    result.FinishedUTC,
		NextScheduledUTC: next,
		QuotaBytes:       cfg.QuotaBytes,
		UpdatedUTC:       time.Now().UTC(),
	}
}

// syncConfig implements spec §4.6 end-to-end: pull the NAS-canonical
// backup-config.json, adopt it (preserving local transport fields) if it is
// newer, and persist the merged config locally. Any error leaves cfg
// unchanged, matching "any error leaves the local config unchanged."
func syncConfig(ctx context.Context, adapter transport.Adapter, cfg *config.Config, localPath string, log zerolog.Logger) error {
	if adapter == nil {
		return transport.ErrNotConnected
	}

	remotePath := cfg.Connection.RemoteBasePath + "/" + remoteConfigName
	r, err := adapter.Open(ctx, remotePath)
	if err != nil {
		if transport.IsNotExist(err) {
			log.Debug().Msg("config_sync: no remote config present yet")
			return nil
		}
		return fmt.Errorf("opening remote config: %w", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("reading remote config: %w", err)
	}

	merged, adopted, err := config.Sync(cfg, buf.Bytes())
	if err != nil {
		return fmt.Errorf("merging remote config: %w", err)
	}
	if !adopted {
		log.Debug().Msg("config_sync: local config is current, nothing to adopt")
		return nil
	}

	if err := config.Save(merged, localPath); err != nil {
		return fmt.Errorf("persisting synced config: %w", err)
	}
	*cfg = *merged
	log.Info().Msg("config_sync: adopted newer remote config")
	return nil
}
