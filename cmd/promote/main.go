package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/conftools"
	"github.com/nais/promote/pkg/logging"
	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/telemetry"
	"github.com/nais/promote/pkg/version"
)

var help = `promote moves immutable artifacts through dev, test, staging and production.

Usage: promote [flags] <command> [arguments]

Commands:
  build                              publish a locally built image as an artifact
  promote <artifact> <environment>   promote an artifact into an environment
  deploy <environment>               promote the newest eligible artifact
  rollback <environment>             abort the deployment in flight, or revert to the previous artifact
  status <environment>               show environment state and recent history
  finalize <deployment>              finalize a deployment held with --hold
  abort <deployment> --reason=...    abort a deployment
  history                            list release records
  serve                              serve the status API and metrics

Flags:
`

func main() {
	err := run()
	if err == nil {
		return
	}

	code := release.ErrorExitCode(err)
	if code == release.ExitInvocationFailure {
		flag.Usage()
	}

	entry := log.WithField("kind", release.KindOf(err).String())
	if release.Fatal(err) {
		entry = entry.WithField("fatal", true)
	}
	entry.Errorf("fatal: %s", err)
	os.Exit(int(code))
}

func run() error {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}

	cfg := config.Initialize()
	if err := conftools.Load(cfg); err != nil {
		return release.ErrorWrap(release.ConfigurationError, err)
	}

	format := cfg.LogFormat
	if cfg.Actions {
		format = "actions"
	}
	if err := logging.Setup(os.Stderr, cfg.LogLevel, format); err != nil {
		return release.ErrorWrap(release.ConfigurationError, err)
	}

	args := flag.Args()
	if len(args) == 0 {
		return release.Errorf(release.InvalidInvocation, "no command given")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return release.Errorf(release.InvalidInvocation, "unknown command %q", args[0])
	}
	if len(args)-1 != cmd.args {
		return release.Errorf(release.InvalidInvocation, "%s takes %d argument(s), got %d", args[0], cmd.args, len(args)-1)
	}

	// Welcome
	log.Infof("promote %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Debugf("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(config.Masked) {
		log.Debug(line)
	}

	// A signal interrupts the running command; a promotion in flight is rolled back.
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			log.Warnf("Received signal %s, stopping", sig)
			cancel(fmt.Errorf("received signal %s", sig))
		case <-ctx.Done():
		}
	}()

	if !cmd.longRunning {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, cfg.Timeout, fmt.Errorf("command timed out after %s", cfg.Timeout))
		defer cancelTimeout()
	}

	if len(cfg.OpenTelemetryCollectorURL) > 0 {
		tp, err := telemetry.New(ctx, "promote", cfg.OpenTelemetryCollectorURL)
		if err != nil {
			return release.ErrorWrap(release.ConfigurationError, fmt.Errorf("set up tracing: %w", err))
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("Unable to flush traces: %s", err)
			}
		}()
	}

	app, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return cmd.run(ctx, app, args[1:])
}
