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
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/moosgo/moos/pkg/comms"
	"github.com/moosgo/moos/pkg/config"
	"github.com/moosgo/moos/pkg/nav"
	"github.com/moosgo/moos/pkg/nav/ekf"
	"github.com/moosgo/moos/pkg/nav/lsq"
	"github.com/moosgo/moos/pkg/navigator"
	"github.com/moosgo/moos/pkg/util/pathutil"
)

const configEnv = "LBLNAV_CONFIG"

const shutdownTimeout = 10 * time.Second

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
	conf         config.Nav

	cancel context.CancelFunc
	done   chan struct{}
	client *comms.Client
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "lblnav [config-path]",
	Short: "Long baseline navigator publishing position estimates",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runNavigator().
			waitOsSignals().
			stopNavigator()
	},
	Version: Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "lblnav", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.port, "port", "", "6061", "port for http-mode of pprof")
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
	cfg.conf = config.DefaultNav()
	if cfg.cfgFromStdin {
		cfg.logger.Info("Reading config from STDIN")
		if err := config.ReadAll(bufio.NewReader(os.Stdin), config.FormatYAML, &cfg.conf); err != nil {
			cfg.logger.Fatalf("Failed to decode STDIN: %s", err)
		}
	} else if path := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.NavDefaults()); path != "" {
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

func (cfg *runCfg) newEngine() (nav.Engine, error) {
	switch cfg.conf.Engine {
	case config.EngineLSQ:
		e, err := lsq.New(cfg.conf.LSQ)
		if err != nil {
			return nil, err
		}
		e.SetLogger(cfg.masterLogger.PackageLogger("lsq"))
		return e, nil
	default:
		e, err := ekf.New(cfg.conf.EKF)
		if err != nil {
			return nil, err
		}
		e.SetLogger(cfg.masterLogger.PackageLogger("ekf"))
		return e, nil
	}
}

func (cfg *runCfg) runNavigator() *runCfg {
	ts := cfg.conf.Comms.TimeSource()

	engine, err := cfg.newEngine()
	if err != nil {
		cfg.logger.Fatal("Failed to create engine: ", err)
	}

	cfg.client = comms.NewClient(cfg.conf.Comms.ClientConfig(), ts)
	cfg.client.SetLogger(cfg.masterLogger.PackageLogger("comms_client"))

	n, err := navigator.New(cfg.conf.Navigator, cfg.client, engine, ts)
	if err != nil {
		cfg.logger.Fatal("Failed to create navigator: ", err)
	}
	n.SetLogger(cfg.masterLogger.PackageLogger("navigator"))
	if err := n.Subscribe(); err != nil {
		cfg.logger.Fatal("Failed to subscribe: ", err)
	}

	c := cfg.conf.Comms
	if err := cfg.client.Run(c.Host, c.Port, cfg.conf.Name, c.FundamentalFrequency); err != nil {
		cfg.logger.Fatal("Failed to start client: ", err)
	}

	var ctx context.Context
	ctx, cfg.cancel = context.WithCancel(context.Background())
	cfg.done = make(chan struct{})
	go func() {
		defer close(cfg.done)
		if err := n.Run(ctx); err != nil {
			cfg.logger.Error("Navigator stopped: ", err)
		}
	}()
	cfg.logger.WithField("engine", cfg.conf.Engine).
		WithField("variables", engine.Variables()).
		Info("Navigator started")
	return cfg
}

func (cfg *runCfg) stopNavigator() *runCfg {
	defer cfg.profileStop()
	cfg.cancel()
	<-cfg.done
	if err := cfg.client.Close(); err != nil {
		cfg.logger.Error("Failed to close client: ", err)
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	<-ch
	go func() {
		select {
		case <-time.After(shutdownTimeout):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
