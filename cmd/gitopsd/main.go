package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/spf13/pflag"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gitopsd/gitopsd/pkg/apps"
	"github.com/gitopsd/gitopsd/pkg/cluster/kubernetes"
	"github.com/gitopsd/gitopsd/pkg/daemon"
	"github.com/gitopsd/gitopsd/pkg/event"
	transport "github.com/gitopsd/gitopsd/pkg/http"
	"github.com/gitopsd/gitopsd/pkg/promote"
	"github.com/gitopsd/gitopsd/pkg/reconcile"
	"github.com/gitopsd/gitopsd/pkg/registry"
	"github.com/gitopsd/gitopsd/pkg/render"
	"github.com/gitopsd/gitopsd/pkg/store"
)

var version = "unversioned"

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  gitopsd is a deployment daemon: it keeps clusters in agreement\n")
		fmt.Fprintf(os.Stderr, "  with a git-hosted desired state, and promotes new image tags by\n")
		fmt.Fprintf(os.Stderr, "  committing them back.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		listenAddr  = fs.StringP("listen", "l", ":3030", "listen address for the status API and metrics")
		versionFlag = fs.Bool("version", false, "print the version and exit")

		appsConfig = fs.String("apps-config", "/etc/gitopsd/applications.yaml", "path to the application definitions file")

		gitURL           = fs.String("git-url", "", "URL of the git repo holding the desired state, e.g. git@github.com:example/deploy")
		gitBranch        = fs.String("git-branch", "master", "branch of the git repo to use")
		gitFetchInterval = fs.Duration("git-fetch-interval", 1*time.Minute, "how often to fetch the upstream repo")

		syncInterval       = fs.Duration("sync-interval", 5*time.Minute, "how often to reconcile every application, at least")
		syncTimeout        = fs.Duration("sync-timeout", 30*time.Second, "timeout for each store, cluster and registry operation")
		syncRetries        = fs.Int("sync-retries", 3, "how many times to retry a transient failure within one cycle")
		automationInterval = fs.Duration("automation-interval", 5*time.Minute, "how often to poll registries for new tags")
		workers            = fs.Int("workers", 4, "how many applications to reconcile concurrently")

		registryRPS         = fs.Float64("registry-rps", 50, "maximum registry requests per second, per registry host")
		registryBurst       = fs.Int("registry-burst", 10, "maximum burst of registry requests, per registry host")
		registryCacheExpiry = fs.Duration("registry-cache-expiry", 5*time.Minute, "how long tag lists stay cached")
		memcachedHostname   = fs.String("memcached-hostname", "", "hostname(s) of memcached for the shared tag cache; empty means an in-process cache")

		kubeconfig = fs.String("kubeconfig", "", "path to a kubeconfig; empty means in-cluster configuration")

		eventLogLimit = fs.Int("event-log-limit", 100, "how many events to keep in memory for the status API")
	)
	fs.Parse(os.Args[1:])

	if *versionFlag {
		fmt.Println(version)
		os.Exit(0)
	}

	// Logger domain.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	// Application definitions.
	var registryOfApps *apps.Registry
	{
		logger := log.With(logger, "component", "apps")
		config, err := os.ReadFile(*appsConfig)
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		registryOfApps = apps.NewRegistry()
		if err := registryOfApps.Load(config); err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		logger.Log("applications", len(registryOfApps.Names()))
	}

	// Desired-state store.
	var desired *store.Git
	{
		logger := log.With(logger, "component", "store")
		if *gitURL == "" {
			logger.Log("err", "--git-url is required")
			os.Exit(1)
		}
		desired = store.NewGit(*gitURL, *gitBranch, logger)
		logger.Log("url", *gitURL, "branch", *gitBranch)
	}

	// Cluster.
	var clusters *kubernetes.Cluster
	{
		logger := log.With(logger, "component", "cluster")
		var config *rest.Config
		var err error
		if *kubeconfig != "" {
			config, err = clientcmd.BuildConfigFromFlags("", *kubeconfig)
		} else {
			config, err = rest.InClusterConfig()
		}
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		clusters, err = kubernetes.NewCluster(config, logger)
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		logger.Log("host", config.Host)
	}

	// Image registry, rate limited and cached.
	var imageRegistry registry.Registry
	{
		logger := log.With(logger, "component", "registry")
		var cache registry.TagCache
		if *memcachedHostname != "" {
			hosts := strings.Split(*memcachedHostname, ",")
			cache = registry.NewMemcachedTagCache(hosts, *registryCacheExpiry, logger)
			logger.Log("cache", "memcached", "hosts", *memcachedHostname)
		} else {
			cache = registry.NewMemTagCache(*registryCacheExpiry)
			logger.Log("cache", "memory")
		}
		imageRegistry = &registry.Cached{
			Registry: registry.NewRateLimited(
				&registry.Remote{Options: []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)}},
				*registryRPS, *registryBurst,
			),
			Cache:  cache,
			Logger: logger,
		}
	}

	events := event.NewLog(*eventLogLimit)

	// Reconciler.
	reconciler := &reconcile.Reconciler{
		Store:      desired,
		Renderer:   render.Chart{},
		Cluster:    clusters,
		Apps:       registryOfApps,
		Logger:     log.With(logger, "component", "reconciler"),
		Timeout:    *syncTimeout,
		MaxRetries: *syncRetries,
		Events:     events,
	}

	// Promotion agent.
	promoter := &promote.Agent{
		Store:    desired,
		Registry: imageRegistry,
		Apps:     registryOfApps,
		Logger:   log.With(logger, "component", "automation"),
		Events:   events,
		Timeout:  *syncTimeout,
	}

	d := &daemon.Daemon{
		Reconciler: reconciler,
		Promoter:   promoter,
		Apps:       registryOfApps,
		Logger:     log.With(logger, "component", "daemon"),
		Workers:    *workers,
		LoopVars: daemon.LoopVars{
			SyncInterval: *syncInterval,
			PollInterval: *automationInterval,
		},
	}

	// Mechanical stuff.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go desired.Start(stop, &wg, *gitFetchInterval)

	wg.Add(1)
	go d.Loop(stop, &wg, log.With(logger, "component", "daemon"))

	// Transport domain.
	go func() {
		logger := log.With(logger, "component", "api")
		logger.Log("addr", *listenAddr)
		handler := transport.NewHandler(d, events, transport.NewRouter(), logger)
		errc <- http.ListenAndServe(*listenAddr, handler)
	}()

	// Go!
	logger.Log("exiting", <-errc)
	close(stop)
	wg.Wait()
}
