package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consentgrid/internal/connector"
	"consentgrid/internal/connector/simulation"
	jwttoken "consentgrid/internal/jwt_token"
	"consentgrid/internal/permission/eventbus"
	"consentgrid/internal/permission/handler"
	"consentgrid/internal/permission/handlers"
	permissionmetrics "consentgrid/internal/permission/metrics"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/outbox"
	"consentgrid/internal/permission/service"
	"consentgrid/internal/permission/status"
	"consentgrid/internal/permission/store"
	"consentgrid/internal/platform/config"
	"consentgrid/internal/platform/kafka"
	"consentgrid/internal/platform/metrics"
	"consentgrid/internal/platform/postgres"
	"consentgrid/internal/platform/redis"
	"consentgrid/internal/polling"
	"consentgrid/internal/ratelimit"
	"consentgrid/internal/scheduler"
	"consentgrid/internal/sweep"
	"consentgrid/pkg/platform/httputil"
)

// app holds everything main starts and stops.
type app struct {
	log       *slog.Logger
	startedAt time.Time
	router    http.Handler

	db        *sql.DB
	redis     *redis.Client
	producer  *kafka.Producer
	bus       *eventbus.Bus
	trigger   *handlers.PollingTrigger
	documents *handlers.DocumentSink
	scheduler *scheduler.Scheduler
}

// clients maps connector IDs to the administrator clients this build ships.
func clients() map[string]connector.Client {
	return map[string]connector.Client{
		string(simulation.ConnectorID): simulation.New(),
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log, startedAt: time.Now()}
	pm := permissionmetrics.New()

	registry, err := buildRegistry(cfg.File, log)
	if err != nil {
		return nil, err
	}

	var st store.Store = store.NewInMemory()
	if a.db, err = postgres.Open(ctx, cfg.Postgres); err != nil {
		return nil, err
	}
	if a.db != nil {
		if err := store.Migrate(ctx, a.db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = store.NewPostgres(a.db)
	} else {
		log.Warn("DATABASE_URL not set, permission requests are kept in memory")
	}

	var (
		view    status.View                = status.NewInMemoryView()
		tracker handlers.ProcessedTracker = handlers.NewMemoryTracker()
	)
	if a.redis, err = redis.New(ctx, cfg.Redis); err != nil {
		return nil, err
	}
	if a.redis != nil {
		view = status.NewRedisView(a.redis.Client)
		tracker = handlers.NewRedisTracker(a.redis.Client, 0)
	}

	var producer handlers.Producer = logProducer{log: log}
	if a.producer, err = kafka.NewProducer(ctx, cfg.Kafka, log); err != nil {
		return nil, err
	}
	if a.producer != nil {
		if err := a.producer.EnsureTopics(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor,
			handlers.EventsTopic, handlers.DataTopic); err != nil {
			return nil, err
		}
		producer = a.producer
	}

	a.bus = eventbus.New(
		eventbus.WithLogger(log),
		eventbus.WithMetrics(pm),
		eventbus.WithWorkers(cfg.Polling.BusWorkers),
	)
	ob := outbox.New(st, a.bus,
		outbox.WithLogger(log),
		outbox.WithMetrics(pm),
		outbox.WithDeliveryAcknowledgement(),
	)
	a.bus.OnDelivered(ob.Acknowledge)

	a.documents = handlers.NewDocumentSink(producer, st,
		handlers.WithSchemaVersions(registry),
		handlers.WithDocumentLogger(log),
	)
	poller, err := polling.New(st, registry, ob, a.documents,
		polling.WithPolicy(polling.Policy{
			MaxAttempts: cfg.Polling.MaxAttempts,
			BaseDelay:   cfg.Polling.BaseDelay,
			MaxDelay:    cfg.Polling.MaxDelay,
			Multiplier:  2,
		}),
		polling.WithConcurrency(cfg.Polling.Concurrency),
		polling.WithLogger(log),
		polling.WithMetrics(pm),
	)
	if err != nil {
		return nil, err
	}
	a.trigger = handlers.NewPollingTrigger(poller,
		handlers.WithMaxConcurrentPolls(cfg.Polling.MaxInFlight),
		handlers.WithTriggerLogger(log),
	)

	broadcaster := status.NewBroadcaster()
	handlers.Set{
		Projection:   status.NewProjection(st, view, broadcaster),
		Notification: handlers.NewNotification(st, registry, ob, log),
		Ack:          handlers.NewAdministratorAck(st, registry, ob),
		Polling:      a.trigger,
		Fulfillment:  handlers.NewFulfillment(st, registry, ob),
		Documents:    a.documents,
	}.Subscribe(a.bus, tracker, log)

	jwtService := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
	svc, err := service.New(service.Deps{
		Requests:        st,
		Outbox:          ob,
		Connectors:      registry,
		DataNeeds:       buildCatalog(cfg.File),
		Retransmissions: poller,
		Statuses:        view,
		Tokens:          jwtService,
		TokenTTL:        cfg.Auth.TokenTTL,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Auth.WebhookSecretHash == "" {
		log.Warn("WEBHOOK_SECRET_HASH not set, administrator webhooks will reject every call")
	}

	a.scheduler = scheduler.New(scheduler.WithLogger(log), scheduler.WithMetrics(scheduler.NewMetrics()))

	var limiter ratelimit.Store
	if a.redis != nil {
		limiter = ratelimit.NewRedis(a.redis.Client)
	} else {
		mem := ratelimit.NewInMemory()
		if err := a.scheduler.Add(scheduler.PruneJob("ratelimit-prune", mem, cfg.RateLimit.Window)); err != nil {
			return nil, err
		}
		limiter = mem
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", a.healthz)
	handler.New(svc, broadcaster, log, metrics.New(),
		jwttoken.NewJWTServiceAdapter(jwtService), []byte(cfg.Auth.WebhookSecretHash),
		handler.WithRateLimit(limiter,
			ratelimit.Limit{Requests: cfg.RateLimit.CreateRequests, Window: cfg.RateLimit.Window},
			ratelimit.Limit{Requests: cfg.RateLimit.WebhookRequests, Window: cfg.RateLimit.Window},
		)).Register(r)
	a.router = r

	sw := sweep.New(st, ob, registry.Machine, sweep.Config{
		StaleAfter:           cfg.Sweep.StaleAfter,
		AdminResponseTimeout: cfg.Sweep.AdminResponseTimeout,
		DataDeadline:         cfg.Sweep.DataDeadline,
		Retention:            cfg.Sweep.Retention,
	}, sweep.WithLogger(log), sweep.WithMetrics(pm), sweep.WithValidator(svc))
	if err := a.scheduler.Add(scheduler.SweepJob(sw, cfg.Sweep.Interval)); err != nil {
		return nil, err
	}
	schemas := registry.ScheduleSchemas(time.Now().UTC(), log, pm)
	if len(schemas) > 0 {
		if err := a.scheduler.Add(scheduler.SchemaResolveJob(schemas, cfg.Polling.SchemaRefresh)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// buildRegistry registers every shipped client, applying file settings
// where the file names the connector.
func buildRegistry(f config.File, log *slog.Logger) (*connector.Registry, error) {
	registry := connector.NewRegistry()
	available := clients()
	for _, d := range f.Connectors {
		if _, ok := available[string(d.ID)]; !ok {
			log.Warn("no client for configured connector, skipping", "connector_id", string(d.ID))
		}
	}
	for cid, client := range available {
		d, ok := f.Connector(cid)
		if !ok && cid == string(simulation.ConnectorID) {
			d = simulation.Descriptor()
		}
		if err := registry.Register(d, client); err != nil {
			return nil, fmt.Errorf("register connector %s: %w", cid, err)
		}
	}
	return registry, nil
}

func buildCatalog(f config.File) *service.Catalog {
	if len(f.DataNeeds) > 0 {
		return service.NewCatalog(f.DataNeeds...)
	}
	return service.NewCatalog(models.DataNeed{
		ID:            "hourly-year",
		Description:   "Hourly consumption for up to one year",
		Granularities: []models.Granularity{models.GranularityPT1H, models.GranularityPT15M, models.GranularityP1D},
		MaxDuration:   366 * 24 * time.Hour,
		Enabled:       true,
	})
}

func (a *app) start(ctx context.Context) {
	// Workers outlive the signal so Close can drain what is queued.
	a.bus.Start(context.WithoutCancel(ctx))
	a.scheduler.Start(ctx)
}

// close stops producers of work before the things they write to.
func (a *app) close(ctx context.Context) {
	a.scheduler.Wait()
	a.trigger.Close()
	a.bus.Close()
	a.documents.Flush(ctx)
	if waiting, rejected := a.documents.Pending(); waiting > 0 || rejected > 0 {
		a.log.Warn("documents not exported", "waiting", waiting, "rejected", rejected)
	}
	if a.producer != nil {
		a.producer.Close(ctx)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("postgres close failed", "error", err)
		}
	}
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if a.db != nil {
		check("postgres", a.db.PingContext(ctx))
	}
	if a.redis != nil {
		check("redis", a.redis.Health(ctx))
	}
	if a.producer != nil {
		check("kafka", a.producer.Health(ctx))
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, checks)
}

// logProducer stands in for Kafka when no brokers are configured.
type logProducer struct {
	log *slog.Logger
}

func (p logProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	p.log.DebugContext(ctx, "document", "topic", topic, "key", string(key), "bytes", len(value))
	return nil
}
