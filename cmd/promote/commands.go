package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/api"
	"github.com/nais/promote/pkg/artifact"
	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/database"
	"github.com/nais/promote/pkg/engine"
	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/health"
	"github.com/nais/promote/pkg/notify"
	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/report"
	"github.com/nais/promote/pkg/rollback"
	"github.com/nais/promote/pkg/telemetry"
	"github.com/nais/promote/pkg/traffic"
)

const shutdownTimeout = 10 * time.Second

type command struct {
	args        int
	longRunning bool
	run         func(ctx context.Context, app *application, args []string) error
}

var commands = map[string]command{
	"build":    {args: 0, run: build},
	"promote":  {args: 2, run: promote},
	"deploy":   {args: 1, run: deploy},
	"rollback": {args: 1, run: rollbackEnvironment},
	"status":   {args: 1, run: status},
	"finalize": {args: 1, run: finalize},
	"abort":    {args: 1, run: abort},
	"history":  {args: 0, run: history},
	"serve":    {args: 0, longRunning: true, run: serve},
}

type application struct {
	cfg      *config.Config
	db       *database.Database
	registry *artifact.DockerRegistry
	builder  *artifact.Builder
	engine   *engine.Engine
}

func setup(ctx context.Context, cfg *config.Config) (*application, error) {
	policies, err := config.LoadEnvironments(cfg.EnvironmentsFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseConnectTimeout)
	if err != nil {
		return nil, err
	}

	registry, err := artifact.NewDockerRegistry(cfg.DockerHost, cfg.RegistryAuth)
	if err != nil {
		db.Close()
		return nil, release.ErrorWrap(release.ConfigurationError, err)
	}

	builder := &artifact.Builder{
		Store:    db,
		Registry: registry,
		Address:  cfg.Registry,
		Retry:    artifact.DefaultRetryPolicy,
	}

	prober := health.NewChecker()
	e := &engine.Engine{
		Policies:     policies,
		Environments: db,
		Artifacts:    db,
		Verifier:     builder,
		Deployments:  db,
		Gate:         &gate.Evaluator{Decisions: db, Migrations: &gate.MigrateChecker{}},
		Prober:       prober,
		Traffic:      &traffic.Controller{Environments: db, Prober: prober},
		Restorer:     &rollback.Manager{Environments: db, Recorder: db, Decisions: db},
		Recorder:     db,
	}

	app := &application{cfg: cfg, db: db, registry: registry, builder: builder, engine: e}

	if cfg.Github.Enabled {
		client := notify.NewClient(ctx, cfg.Github.Token)
		e.Notifier, err = notify.NewGitHub(client, cfg.Github, db, policies)
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	if err := e.Setup(ctx); err != nil {
		app.Close()
		return nil, err
	}

	return app, nil
}

func (app *application) Close() {
	if err := app.registry.Close(); err != nil {
		log.Warnf("Closing Docker client: %s", err)
	}
	app.db.Close()
}

func (app *application) options() (engine.Options, error) {
	opts := engine.Options{
		Override: app.cfg.Override,
		Reason:   app.cfg.Reason,
		Approved: app.cfg.Approve,
		CI:       app.cfg.CI,
		Hold:     app.cfg.Hold,
	}
	if len(app.cfg.Strategy) > 0 {
		strategy, err := release.ParseStrategy(app.cfg.Strategy)
		if err != nil {
			return opts, err
		}
		opts.Strategy = strategy
	}
	return opts, nil
}

// finish writes the deployment report and step summary, then prints the deployment.
func (app *application) finish(ctx context.Context, d *release.Deployment, cause error) error {
	if d == nil {
		return cause
	}

	r := report.New(d, cause, telemetry.TraceID(ctx))
	path, err := report.Write(app.cfg.ReportDir, r)
	if err != nil {
		log.Warnf("Unable to write deployment report: %s", err)
	} else {
		log.Infof("Deployment report written to %s", path)
	}
	if err := report.AppendSummary(app.cfg.StepSummary, r); err != nil {
		log.Warnf("Unable to write step summary: %s", err)
	}

	if err := printJSON(d); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func build(ctx context.Context, app *application, _ []string) error {
	timings, err := telemetry.ParsePipelineTelemetry(app.cfg.Telemetry)
	if err != nil {
		return release.ErrorWrap(release.InvalidInvocation, fmt.Errorf("parse --telemetry: %w", err))
	}
	if timings != nil {
		ctx = timings.StartTrace(ctx, app.cfg.Tag)
	}

	a, err := app.builder.Build(ctx, artifact.BuildRequest{
		Name:       app.cfg.Name,
		Tag:        app.cfg.Tag,
		Revision:   app.cfg.Revision,
		Source:     app.cfg.SourceImage,
		ScanReport: app.cfg.ScanReport,
	})
	if err != nil {
		return err
	}
	return printJSON(a)
}

func promote(ctx context.Context, app *application, args []string) error {
	opts, err := app.options()
	if err != nil {
		return err
	}
	d, err := app.engine.Promote(ctx, args[0], args[1], opts)
	return app.finish(ctx, d, err)
}

func deploy(ctx context.Context, app *application, args []string) error {
	opts, err := app.options()
	if err != nil {
		return err
	}

	var d *release.Deployment
	if len(app.cfg.Artifact) > 0 {
		d, err = app.engine.Promote(ctx, app.cfg.Artifact, args[0], opts)
	} else {
		d, err = app.engine.Deploy(ctx, args[0], opts)
	}
	return app.finish(ctx, d, err)
}

func rollbackEnvironment(ctx context.Context, app *application, args []string) error {
	env, err := app.engine.Rollback(ctx, args[0], app.cfg.Reason)
	if err != nil {
		return err
	}
	log.WithField("environment", env.Name).Infof("Environment serves %s", env.Active)
	return printJSON(env)
}

func status(ctx context.Context, app *application, args []string) error {
	s, err := app.engine.Status(ctx, args[0])
	if err != nil {
		return err
	}
	if len(s.Records) > app.cfg.Limit && app.cfg.Limit > 0 {
		s.Records = s.Records[:app.cfg.Limit]
	}
	return printJSON(s)
}

func finalize(ctx context.Context, app *application, args []string) error {
	d, err := app.engine.Finalize(ctx, args[0])
	return app.finish(ctx, d, err)
}

func abort(ctx context.Context, app *application, args []string) error {
	d, err := app.engine.Abort(ctx, args[0], app.cfg.Reason)
	return app.finish(ctx, d, err)
}

func history(ctx context.Context, app *application, _ []string) error {
	filter := recorder.Filter{
		ArtifactID:  app.cfg.Artifact,
		Environment: app.cfg.Environment,
		Order:       recorder.Descending,
		Limit:       app.cfg.Limit,
	}
	if len(filter.Environment) > 0 {
		if _, err := app.engine.Policies.Lookup(filter.Environment); err != nil {
			return err
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	for record, err := range app.db.Query(ctx, filter) {
		if err != nil {
			return fmt.Errorf("query release history: %w", err)
		}
		if err := encoder.Encode(record); err != nil {
			return err
		}
	}
	return nil
}

func serve(ctx context.Context, app *application, _ []string) error {
	router := api.New(api.Config{
		Engine:       app.engine,
		Policies:     app.engine.Policies,
		Environments: app.db,
		Deployments:  app.db,
		Recorder:     app.db,
		MetricsPath:  app.cfg.MetricsPath,
	})

	server := &http.Server{
		Addr:              app.cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	log.Infof("Ready to accept connections on %s", app.cfg.ListenAddress)

	select {
	case err := <-errs:
		return fmt.Errorf("serve API: %w", err)
	case <-ctx.Done():
	}

	log.Infof("Shutting down: %s", context.Cause(ctx))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
