package main

import (
	"context"
	"flag"
	"time"

	"cloud.google.com/go/pubsub"
	"go.skia.org/infra/go/auth"
	"go.skia.org/infra/go/cleanup"
	"go.skia.org/infra/go/common"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"github.com/madecoste/swarming/go/caller"
	"github.com/madecoste/swarming/go/config"
	fsdb "github.com/madecoste/swarming/go/db/firestore"
	"github.com/madecoste/swarming/go/events"
	"github.com/madecoste/swarming/go/scheduling"
)

const (
	// APP_NAME is the name of this app.
	APP_NAME = "task-scheduler-be"

	// Interval between cron sweeps.
	sweepInterval = time.Minute
)

var (
	// Flags.
	firestoreInstance = flag.String("firestore_instance", "", "Firestore instance to use, eg. \"production\"")
	firestoreProject  = flag.String("firestore_project", "", "GCE project to use for Firestore.")
	local             = flag.Bool("local", false, "Whether we're running on a dev machine vs in production.")
	port              = flag.String("port", ":8000", "HTTP health check service port (e.g., ':8000')")
	promPort          = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':10110')")
	pubsubProject     = flag.String("pubsub_project", "", "GCE project to use for PubSub. Events are not published if unset.")
	serverVersion     = flag.String("server_version", "dev", "Version tag recorded on the run results this server creates.")
)

func main() {
	common.InitWithMust(
		APP_NAME,
		common.PrometheusOpt(promPort),
		common.MetricsLoggingOpt(),
	)
	defer common.Defer()

	if *firestoreProject == "" {
		sklog.Fatal("--firestore_project is required.")
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	cleanup.AtExit(cancelFn)

	tokenSource, err := auth.NewDefaultTokenSource(*local, auth.SCOPE_USERINFO_EMAIL, pubsub.ScopePubSub, "https://www.googleapis.com/auth/datastore")
	if err != nil {
		sklog.Fatalf("Failed to create token source: %s", err)
	}

	// Initialize the database.
	d, err := fsdb.NewDBWithParams(ctx, *firestoreProject, *firestoreInstance, tokenSource)
	if err != nil {
		sklog.Fatalf("Failed to create Firestore DB client: %s", err)
	}
	cleanup.AtExit(func() {
		util.Close(d)
	})

	cfg, err := config.NewCache(ctx, d)
	if err != nil {
		sklog.Fatalf("Failed to load scheduler settings: %s", err)
	}

	// Event emission is optional; without a pubsub project events are
	// dropped.
	emitter := events.NewNopEmitter()
	if *pubsubProject != "" {
		emitter, err = events.NewPubSubEmitter(ctx, *pubsubProject, tokenSource)
		if err != nil {
			sklog.Fatalf("Failed to create PubSub emitter: %s", err)
		}
	}

	s := scheduling.New(d, cfg, emitter, caller.AllowAll, *serverVersion)

	lvBotDied := metrics2.NewLiveness("last_successful_bot_died_sweep")
	go util.RepeatCtx(ctx, sweepInterval, func(ctx context.Context) {
		killed, retried, ignored, err := s.CronHandleBotDied(ctx)
		if err != nil {
			sklog.Errorf("Failed bot died sweep: %s", err)
			return
		}
		if killed > 0 || retried > 0 || ignored > 0 {
			sklog.Infof("Bot died sweep: %d killed, %d retried, %d ignored.", killed, retried, ignored)
		}
		lvBotDied.Reset()
	})

	lvExpire := metrics2.NewLiveness("last_successful_expire_sweep")
	go util.RepeatCtx(ctx, sweepInterval, func(ctx context.Context) {
		if _, err := s.CronAbortExpiredTaskToRun(ctx); err != nil {
			sklog.Errorf("Failed expire sweep: %s", err)
			return
		}
		lvExpire.Reset()
	})

	sklog.Infof("Task scheduler backend running.")
	httputils.RunHealthCheckServer(*port)
}
