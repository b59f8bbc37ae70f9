package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ryabkov82/crm-bulk-upsert/internal/bulk"
	"github.com/ryabkov82/crm-bulk-upsert/internal/config"
	"github.com/ryabkov82/crm-bulk-upsert/internal/httpapi"
	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/notify"
	"github.com/ryabkov82/crm-bulk-upsert/internal/pipeline"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
	"github.com/ryabkov82/crm-bulk-upsert/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// lazySecrets builds the AWS resolver only when a credential references a secret
type lazySecrets struct{}

func (lazySecrets) Resolve(ctx context.Context, id string) (string, error) {
	r, err := config.NewAWSSecretResolver(ctx)
	if err != nil {
		return "", err
	}
	return r.Resolve(ctx, id)
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bulkupsert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	propertiesPath := fs.String("config", config.DefaultPropertiesPath, "properties file with userId, password, apiVersion, authEndpoint, filePath")
	optionsPath := fs.String("options", "", "optional YAML options file")
	envFile := fs.String("env", "", "optional .env file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return runerr.ExitPrecondition
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return runerr.ExitClean
	}

	logger.Initialize(getenv("BULK_LOG_ENV"), getenv("BULK_LOG_LEVEL"))
	defer logger.Sync()

	provider := &config.FileProvider{
		PropertiesPath: *propertiesPath,
		OptionsPath:    *optionsPath,
		EnvFile:        *envFile,
		Secrets:        lazySecrets{},
		Getenv:         getenv,
	}
	cfg, err := provider.Load(ctx)
	if err != nil {
		logger.Error(ctx, "configuration invalid", err)
		fmt.Fprintf(stderr, "bulkupsert: %v\n", err)
		return runerr.ExitCode(err)
	}
	logger.Initialize(cfg.Options.LogEnv, cfg.Options.LogLevel)
	logger.Info(ctx, "starting", zap.String("version", version.String()))

	store := job.NewStore(cfg.Settings.FilePath)
	recorder := metrics.New()

	if cfg.Options.StatusAddr != "" {
		handler := httpapi.NewHandler(store, recorder)
		status := httpapi.Start(ctx, cfg.Options.StatusAddr, httpapi.SetupRouter(handler, getenv(httpapi.APIKeyEnv)))
		defer func() {
			if err := status.Shutdown(context.Background()); err != nil {
				logger.Warn(ctx, "status server shutdown error", zap.Error(err))
			}
		}()
	}

	client := bulk.New(bulk.Options{
		Endpoint:     cfg.Settings.Endpoint,
		APIVersion:   cfg.Settings.APIVersion,
		UserID:       cfg.Settings.UserID,
		Password:     cfg.Settings.Credential,
		ClientID:     cfg.Settings.ClientID,
		ClientSecret: cfg.Settings.ClientSecret,
		Timeout:      cfg.Options.HTTPTimeout,
		MaxRetries:   cfg.Options.MaxRetries,
		BackoffMs:    cfg.Options.BackoffMs,
		BackoffMaxMs: cfg.Options.BackoffMaxMs,
		Gzip:         cfg.Options.GzipEnabled(),
		Recorder:     recorder,
	})

	err = execute(ctx, cfg, client, store, recorder)

	if werr := recorder.WriteTextfile(cfg.Options.MetricsTextfile); werr != nil {
		logger.Warn(ctx, "metrics textfile not written", zap.Error(werr))
	}
	if err != nil {
		fmt.Fprintf(stderr, "bulkupsert: %v\n", err)
	}
	return runerr.ExitCode(err)
}

func execute(ctx context.Context, cfg *config.Config, client *bulk.Client, store *job.Store, recorder *metrics.Recorder) error {
	if err := client.Login(ctx); err != nil {
		err = runerr.New(runerr.JobCreationFailure, "login", err)
		store.UpdateError(err)
		store.SetPhase(job.PhaseFailed)
		logger.Error(ctx, "login failed", err)
		return err
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.Options.TaskEnabled() {
		notifiers = append(notifiers, notify.NewTaskNotifier(client, cfg.Options.Object+" import"))
	}
	if cfg.Options.NotifyTopicARN != "" {
		sns, err := notify.NewSNSNotifier(ctx, cfg.Options.NotifyTopicARN)
		if err != nil {
			logger.Warn(ctx, "SNS notifier disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, sns)
		}
	}

	_, err := pipeline.New(*cfg, client, store, recorder, notifiers).Run(ctx)
	return err
}
