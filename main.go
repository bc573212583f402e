package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"github.com/cyverse-de/configurate"
	"github.com/cyverse-de/go-mod/otelutils"
	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/update-digest/common"
	"github.com/cyverse-de/update-digest/db"
	"github.com/cyverse-de/update-digest/dispatch"
	"github.com/cyverse-de/update-digest/eagerload"
	"github.com/cyverse-de/update-digest/emailer"
	"github.com/cyverse-de/update-digest/grouping"
	"github.com/cyverse-de/update-digest/handlers"
	"github.com/cyverse-de/update-digest/handlerset"
	"github.com/cyverse-de/update-digest/model"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
)

const serviceName = "update-digest"

var log = logrus.WithField("service", serviceName)

// commandLineOptionValues represents the values of the command-line options that were passed on the command line when
// this service was invoked.
type commandLineOptionValues struct {
	Config string
	User   string
	Cron   string
	Listen bool
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	// Default option values.
	defaultConfigPath := "/etc/iplant/de/jobservices.yml"

	// Define the command-line options.
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&optionValues.Config, "config", defaultConfigPath,
		opt.Alias("c"),
		opt.Description("the path to the configuration file"))
	opt.StringVar(&optionValues.User, "user", "",
		opt.Alias("u"),
		opt.Description("dispatch a digest to a single subscriber (numeric ID or login) and exit"))
	opt.StringVar(&optionValues.Cron, "cron", "",
		opt.Description("run the digest job on the given cron schedule instead of once"))
	opt.BoolVar(&optionValues.Listen, "listen", false,
		opt.Description("consume update events from AMQP instead of dispatching digests"))

	// Parse the command line, handling requests for help and usage errors.
	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprintf(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprintf(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

// notifyingAssociations declares which related entity collections generate
// activity updates on their parent resources.
func notifyingAssociations() grouping.AssociationConfig {
	return grouping.AssociationConfig{
		model.TypeObservation: {
			{Name: "comments", Notification: model.KindActivity},
			{Name: "identifications", Notification: model.KindActivity},
		},
		model.TypePost: {
			{Name: "comments", Notification: model.KindActivity},
		},
	}
}

// digestPlans declares, per entity type, the columns prefetched for digest
// rendering along with the batched fetch function for the type.
func digestPlans(store *db.Store) []eagerload.Plan {
	return []eagerload.Plan{
		{Type: model.TypeObservation, Include: []string{"user_id", "taxon_id", "description"}, Fetch: store.FetchPlan(model.TypeObservation)},
		{Type: model.TypeComment, Include: []string{"user_id", "body"}, Fetch: store.FetchPlan(model.TypeComment)},
		{Type: model.TypeIdentification, Include: []string{"user_id", "taxon_id", "observation_id"}, Fetch: store.FetchPlan(model.TypeIdentification)},
		{Type: model.TypeListedTaxon, Include: []string{"list_id", "taxon_id"}, Fetch: store.FetchPlan(model.TypeListedTaxon)},
		{Type: model.TypePost, Include: []string{"user_id", "title"}, Fetch: store.FetchPlan(model.TypePost)},
	}
}

// recorderHandlers registers the update event recorder for every entity
// category that producers publish events about.
func recorderHandlers(recorder *handlers.Recorder) map[string]handlers.MessageHandler {
	handlerFor := make(map[string]handlers.MessageHandler)
	for _, category := range []model.EntityType{
		model.TypeObservation,
		model.TypeComment,
		model.TypeIdentification,
		model.TypeListedTaxon,
		model.TypePost,
	} {
		handlerFor[string(category)] = recorder
	}
	return handlerFor
}

func main() {
	// Parse the command-line.
	optionValues := parseCommandLine()

	// Initialize logging.
	logrus.SetFormatter(&logrus.JSONFormatter{})

	// Set up tracing.
	var tracerCtx, cancel = context.WithCancel(context.Background())
	defer cancel()
	shutdown := otelutils.TracerProviderFromEnv(tracerCtx, serviceName, func(e error) { log.Fatal(e) })
	defer shutdown()

	// Read in the configuration file.
	cfg, err := configurate.InitDefaults(optionValues.Config, configurate.JobServicesDefaults)
	if err != nil {
		log.Fatal(err)
	}
	cfg.SetDefault("digest.workers", 4)
	cfg.SetDefault("digest.admin_only", true)
	cfg.SetDefault("digest.template", "update_digest")
	cfg.SetDefault("digest.queue", "update-digest.events")

	// Retrieve the AMQP settings.
	amqpSettings := &common.AMQPSettings{
		URI:          cfg.GetString("amqp.uri"),
		ExchangeName: cfg.GetString("amqp.exchange.name"),
		ExchangeType: cfg.GetString("amqp.exchange.type"),
	}

	// Establish the database connection.
	dbConn, err := db.InitDatabase("postgres", cfg.GetString("db.uri"))
	if err != nil {
		log.Fatal(err)
	}
	defer dbConn.Close()
	store := db.NewStore(dbConn, db.DefaultEntityConfig())

	// Listen mode only records incoming update events.
	if optionValues.Listen {
		recorder := handlers.NewRecorder(dbConn)
		handlerSet, err := handlerset.New(amqpSettings, recorderHandlers(recorder))
		if err != nil {
			log.Fatal(err)
		}
		defer handlerSet.Close()
		log.Info("listening for update events")
		handlerSet.Listen(cfg.GetString("digest.queue"), []string{"events.update.*"})
		return
	}

	// Create the AMQP client used to publish email requests.
	amqpClient, err := messaging.NewClient(amqpSettings.URI, true)
	if err != nil {
		log.Fatal(err)
	}
	defer amqpClient.Close()
	err = amqpClient.SetupPublishing(amqpSettings.ExchangeName)
	if err != nil {
		log.Fatal(err)
	}
	go amqpClient.Listen()

	// Assemble the dispatcher.
	engine := grouping.New(store, notifyingAssociations())
	mailer := emailer.New(amqpClient, engine, digestPlans(store), cfg.GetString("digest.template"))
	eligible := dispatch.AllSubscribers
	if cfg.GetBool("digest.admin_only") {
		eligible = dispatch.AdminsOnly
	}
	dispatcher := dispatch.New(store, store, mailer, eligible, cfg.GetInt("digest.workers"))
	ctx := context.Background()

	// Dispatch to a single subscriber when one was named.
	if optionValues.User != "" {
		now := time.Now()
		sent, err := dispatcher.DispatchToSubscriber(ctx, optionValues.User, now.Add(-24*time.Hour), now)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("digest sent to `%s`: %t", optionValues.User, sent)
		return
	}

	// Run the digest job on a schedule when one was given.
	if optionValues.Cron != "" {
		scheduler := cron.New()
		_, err = scheduler.AddFunc(optionValues.Cron, func() {
			if _, err := dispatcher.RunDailyDigest(ctx, time.Now()); err != nil {
				log.Error(err)
			}
		})
		if err != nil {
			log.Fatal(err)
		}
		scheduler.Run()
		return
	}

	// Otherwise run the digest job once.
	summary, err := dispatcher.RunDailyDigest(ctx, time.Now())
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("notified %d subscribers with %d failures in %s", summary.Notified, summary.Failed, summary.Elapsed)
}
