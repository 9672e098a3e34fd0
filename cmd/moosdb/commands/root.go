package commands

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"log/syslog"
	"net/http"
	_ "net/http/pprof" // no_lint
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/moosgo/moos/internal/metrics"
	"github.com/moosgo/moos/internal/netutil"
	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/config"
	"github.com/moosgo/moos/pkg/moosdb"
	"github.com/moosgo/moos/pkg/util/pathutil"
)

const configEnv = "MOOSDB_CONFIG"

const bindThreshold = 10 * time.Second

// Version of the moos binaries.
const Version = "0.1.0"

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	profileMode  string
	port         string
	args         []string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	conf         config.DB

	cancel context.CancelFunc
	store  moosdb.Store
	db     *moosdb.DB
	server *comms.Server
	http   *http.Server
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "moosdb [config-path]",
	Short: "Community database serving MOOS clients",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runDB().
			waitOsSignals().
			stopDB()
	},
	Version: Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "moosdb", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.port, "port", "", "6060", "port for http-mode of pprof")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf("localhost:%v", cfg.port), nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	cfg.conf = config.DefaultDB()
	if cfg.cfgFromStdin {
		cfg.logger.Info("Reading config from STDIN")
		if err := config.ReadAll(bufio.NewReader(os.Stdin), config.FormatYAML, &cfg.conf); err != nil {
			cfg.logger.Fatalf("Failed to decode STDIN: %s", err)
		}
	} else if path := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.DBDefaults()); path != "" {
		if err := config.Load(path, &cfg.conf); err != nil {
			cfg.logger.Fatal(err)
		}
	}
	cfg.conf.Comms.ApplyEnv()
	if err := cfg.conf.Validate(); err != nil {
		cfg.logger.Fatalf("Invalid config: %s", err)
	}

	lvl, err := logging.LevelFromString(cfg.conf.Log.Level)
	if err != nil {
		cfg.logger.Fatalf("Failed to parse log level: %s", err)
	}
	cfg.masterLogger.SetLevel(lvl)
	return cfg
}

func (cfg *runCfg) runDB() *runCfg {
	ts := cfg.conf.Comms.TimeSource()

	snapshotPath, err := cfg.conf.Snapshot.FilePath()
	if err != nil {
		cfg.logger.Fatal("Failed to resolve snapshot path: ", err)
	}
	if cfg.store, err = moosdb.NewStore(cfg.conf.Snapshot.Kind, snapshotPath, cfg.conf.Comms.Community); err != nil {
		cfg.logger.Fatal("Failed to open snapshot store: ", err)
	}

	m := metrics.NewDummy()
	if cfg.conf.HTTPAddr != "" {
		m = metrics.NewPrometheus("moosdb", prometheus.DefaultRegisterer)
	}

	sc := cfg.conf.Comms.ServerConfig(cfg.conf.Name)
	sc.AuditAddr = cfg.conf.AuditAddr
	cfg.server = comms.NewServer(sc, ts, m)
	cfg.server.SetLogger(cfg.masterLogger.PackageLogger("comms_server"))

	db := moosdb.New(cfg.conf.DBConfig(), ts, cfg.store)
	db.SetLogger(cfg.masterLogger.PackageLogger("moosdb"))
	cfg.db = db
	if _, err := db.Restore(); err != nil {
		cfg.logger.Fatal("Failed to restore variables: ", err)
	}
	db.Attach(cfg.server)

	var ctx context.Context
	ctx, cfg.cancel = context.WithCancel(context.Background())
	// a restarted database may find its port still held for a moment.
	retrier := netutil.NewRetrier(200*time.Millisecond, bindThreshold, 2).
		WithLogger(cfg.masterLogger.PackageLogger("retrier"))
	if err := retrier.Do(ctx, func() error { return cfg.server.Run(ctx, cfg.conf.Comms.Port) }); err != nil {
		cfg.logger.Fatal("Failed to start server: ", err)
	}
	go db.Run(ctx)

	if cfg.conf.HTTPAddr != "" {
		cfg.http = &http.Server{Addr: cfg.conf.HTTPAddr, Handler: moosdb.NewAPI(db, m)}
		go func() {
			cfg.logger.Infof("Serving HTTP on %s", cfg.conf.HTTPAddr)
			if err := cfg.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cfg.logger.Error("HTTP server: ", err)
			}
		}()
	}
	return cfg
}

func (cfg *runCfg) stopDB() *runCfg {
	defer cfg.profileStop()
	if cfg.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := cfg.http.Shutdown(ctx); err != nil {
			cfg.logger.Error("Failed to stop HTTP server: ", err)
		}
		cancel()
	}
	cfg.cancel()
	if err := cfg.server.Stop(); err != nil {
		cfg.logger.Error("Failed to stop server: ", err)
	}
	if err := cfg.db.Flush(); err != nil {
		cfg.logger.Error("Failed to flush snapshot: ", err)
	}
	if err := cfg.store.Close(); err != nil {
		cfg.logger.Error("Failed to close snapshot store: ", err)
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	<-ch
	go func() {
		select {
		case <-time.After(time.Duration(cfg.conf.ShutdownTimeout)):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
