package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"github.com/roach88/floorlog/internal/config"
	"github.com/roach88/floorlog/internal/evidence"
	"github.com/roach88/floorlog/internal/lifecycle"
	"github.com/roach88/floorlog/internal/logging"
	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/notify"
	"github.com/roach88/floorlog/internal/policy"
	"github.com/roach88/floorlog/internal/remote"
	"github.com/roach88/floorlog/internal/remote/dynamo"
	"github.com/roach88/floorlog/internal/remote/httpremote"
	"github.com/roach88/floorlog/internal/schema"
	"github.com/roach88/floorlog/internal/store"
	"github.com/roach88/floorlog/internal/syncqueue"
	"github.com/roach88/floorlog/internal/usecase"
)

// deviceID is the configured id of this tablet.
type deviceID string

func (d deviceID) DeviceID() string { return string(d) }

// flagAuth is the operator given by --as/--role or FLOORLOG_ACTOR and
// FLOORLOG_ROLE.
type flagAuth struct {
	actor model.Actor
}

func (a flagAuth) CurrentActor(context.Context) (model.Actor, error) {
	if a.actor.ID == "" {
		return model.Actor{}, model.NewUnauthorized("", model.Actor{ID: "anonymous"}, "is not signed in (use --as and --role)")
	}
	return a.actor, nil
}

func actorFrom(opts *RootOptions) model.Actor {
	id, role := opts.As, opts.Role
	if id == "" {
		id = os.Getenv("FLOORLOG_ACTOR")
	}
	if role == "" {
		role = os.Getenv("FLOORLOG_ROLE")
	}
	return model.Actor{ID: strings.TrimSpace(id), Role: model.Role(strings.TrimSpace(role))}
}

// app is the wired device: store, machine, façade and drainer.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	evidence  *evidence.Store
	policies  policy.Source
	service   *usecase.Service
	drainer   *syncqueue.Drainer
	authority remote.Authority
	closers   []func()
}

func loadConfig(opts *RootOptions, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.remoteURL != "" {
		cfg.Remote.Kind = config.RemoteHTTP
		cfg.Remote.URL = opts.remoteURL
		if err := cfg.Validate(); err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "invalid --remote", err)
		}
	}
	logger, err := logging.New(stderr, cfg.Logging.Level, cfg.Logging.Format, opts.Verbose)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return cfg, logger, nil
}

func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer) (*app, error) {
	cfg, logger, err := loadConfig(opts, stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	logger.Debug("opening database", "path", cfg.Storage.DBPath)
	if a.store, err = store.Open(cfg.Storage.DBPath); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a.closers = append(a.closers, func() { a.store.Close() })

	blobs, err := evidence.NewDirBlobs(cfg.Storage.BlobDir)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open evidence directory", err)
	}
	a.evidence = evidence.New(a.store, blobs)

	if a.policies, err = loadPolicies(ctx, cfg.Policy, logger); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load QC policy", err)
	}

	validator := schema.MustNew()
	machine := lifecycle.New(a.store, a.evidence, a.policies,
		lifecycle.WithDevice(deviceID(cfg.Device.ID)),
		lifecycle.WithLogger(logger),
		lifecycle.WithPayloadValidator(validator),
	)

	if a.authority, err = newAuthority(ctx, cfg.Remote, validator, logger); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to connect remote authority", err)
	}

	observer, err := a.observers(ctx)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to configure notifications", err)
	}
	a.drainer = syncqueue.New(a.store, a.authority, cfg.Sync.Drainer(),
		syncqueue.WithLogger(logger),
		syncqueue.WithObserver(observer),
		syncqueue.WithInvalidator(machine.Projections()),
	)

	a.service = usecase.New(machine, a.store, a.evidence, a.policies, flagAuth{actor: actorFrom(opts)},
		usecase.WithWaker(a.drainer),
		usecase.WithLogger(logger),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loadPolicies(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (policy.Source, error) {
	if cfg.File == "" {
		return policy.NewStatic(policy.Default()), nil
	}
	src, err := policy.NewFileSource(cfg.File, policy.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := src.Watch(ctx); err != nil {
			return nil, err
		}
	}
	logger.Debug("qc policy loaded", "path", cfg.File, "version", src.Current().Version)
	return src, nil
}

func newAuthority(ctx context.Context, cfg config.RemoteConfig, validator remote.PayloadValidator, logger *slog.Logger) (remote.Authority, error) {
	switch cfg.Kind {
	case config.RemoteHTTP:
		return httpremote.NewClient(cfg.URL, nil), nil
	case config.RemoteDynamo:
		return dynamo.Connect(ctx, dynamo.Config{
			Table:    cfg.Table,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, dynamo.WithPayloadValidator(validator), dynamo.WithLogger(logger))
	case config.RemoteMemory:
		return remote.NewMemory(remote.WithPayloadValidator(validator)), nil
	case config.RemoteNone:
		return offline{}, nil
	}
	return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

// offline is the authority of a device with no remote configured. The sync
// command refuses to drain against it, so it is only reached if something
// else drives the drainer.
type offline struct{}

var errNoRemote = errors.New("no remote configured (set remote.kind or pass sync --remote)")

func (offline) PushEvents(context.Context, []model.WorkEvent) ([]remote.PushResult, error) {
	return nil, errNoRemote
}

func (offline) History(context.Context, string) ([]model.WorkEvent, error) {
	return nil, errNoRemote
}

// observers builds the queue observer chain: structured logs always, the
// Kafka feed and SES alerts when configured. Network observers run behind
// Async so they never hold up the drainer.
func (a *app) observers(ctx context.Context) (syncqueue.Observer, error) {
	chain := notify.Multi{syncqueue.LogObserver{Logger: a.logger}}

	if a.cfg.Kafka.Brokers != "" {
		writer := notify.NewKafkaWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
		feed := notify.NewAsync(notify.NewKafkaFeed(writer, a.logger), 0, a.logger)
		a.closers = append(a.closers, func() { writer.Close() }, feed.Close)
		chain = append(chain, feed)
	}

	if a.cfg.SES.From != "" {
		region := a.cfg.SES.Region
		if region == "" {
			region = a.cfg.Remote.Region
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		alerter, err := notify.NewAlerter(notify.NewSESClient(awsCfg), a.cfg.SES.From, splitList(a.cfg.SES.To), a.logger)
		if err != nil {
			return nil, err
		}
		async := notify.NewAsync(alerter, 0, a.logger)
		a.closers = append(a.closers, async.Close)
		chain = append(chain, async)
	}
	return chain, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// withApp opens the app for one command invocation and reports failures
// through the formatter.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app, f *OutputFormatter) error) error {
	f := opts.formatter(cmd)
	a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr())
	if err != nil {
		_ = f.Error("E_COMMAND", err.Error(), nil)
		return err
	}
	defer a.Close()

	if err := fn(cmd.Context(), a, f); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			_ = f.Error("E_COMMAND", exitErr.Error(), nil)
			return err
		}
		return f.Fail(err)
	}
	return nil
}
