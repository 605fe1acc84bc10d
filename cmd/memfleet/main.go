package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memfleet/memfleet/contrib/coordstore"
	"github.com/memfleet/memfleet/coordinator"
	"github.com/memfleet/memfleet/pkg/appconfig"
	"github.com/memfleet/memfleet/pkg/buildversion"
	"github.com/memfleet/memfleet/pkg/webapi"
)

var buildVersion string = buildversion.GetVersion("github.com/memfleet/memfleet")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "memfleet",
	Short: "A membership coordinator daemon for a memfleet cache service",

	Run: func(cmd *cobra.Command, args []string) {
		startCoordinator()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("admin", "127.0.0.1:2379", "the coordination store address list")
	configFlags.String("service-code", "", "the cache service code to watch")
	configFlags.Int("pool-size", 4, "the number of cache clients in the pool")
	configFlags.Duration("session-timeout", 15*time.Second, "the coordination store session timeout")
	configFlags.Duration("connect-timeout", 0, "the coordination store connect timeout (defaults to the session timeout)")
	configFlags.Duration("connect-wait", 0, "how long to wait for initial cache connections (defaults to scaling with the endpoint count)")
	configFlags.Duration("retry-delay", 5*time.Second, "the delay between session re-establishment attempts")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("memfleet")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

type appConfig struct {
	LogLevel string `json:"log-level"`
}

func startCoordinator() {
	logLevelStr := viper.GetString("log-level")
	adminAddress := viper.GetString("admin")
	serviceCode := viper.GetString("service-code")
	poolSize := viper.GetInt("pool-size")
	sessionTimeout := viper.GetDuration("session-timeout")
	connectTimeout := viper.GetDuration("connect-timeout")
	connectWait := viper.GetDuration("connect-wait")
	retryDelay := viper.GetDuration("retry-delay")
	bindAddress := viper.GetString("bind-address")
	webPort := viper.GetInt("web-port")

	logLevel := zap.NewAtomicLevel()
	parsedLevel, err := zapcore.ParseLevel(logLevelStr)
	if err != nil {
		fmt.Printf("invalid log level specified: %s\n", logLevelStr)
		os.Exit(1)
	}
	logLevel.SetLevel(parsedLevel)

	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stdout),
		logLevel,
	))
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting memfleet",
		zap.String("version", buildVersion),
		zap.String("serviceCode", serviceCode),
		zap.String("adminAddress", adminAddress))

	if serviceCode == "" {
		logger.Fatal("a service code must be specified")
	}

	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("web"),
		LogLevel:      &logLevel,
		ListenAddress: fmt.Sprintf("%s:%d", bindAddress, webPort),
		AppVersion:    buildVersion,
	})

	if cfgFile != "" && watchCfgFile {
		cfgWatcher, err := appconfig.NewConfigWatcher[appConfig](cfgFile, logger.Named("cfgwatch"))
		if err != nil {
			logger.Fatal("failed to watch the config file", zap.Error(err))
		}

		cfgCh := make(chan appConfig, 1)
		cfgWatcher.Subscribe(cfgCh)
		go func() {
			for cfg := range cfgCh {
				newLevel, err := zapcore.ParseLevel(cfg.LogLevel)
				if err != nil {
					logger.Warn("config file carried an invalid log level",
						zap.String("logLevel", cfg.LogLevel))
					continue
				}

				logger.Info("updating log level from the config file",
					zap.String("logLevel", cfg.LogLevel))
				logLevel.SetLevel(newLevel)
			}
		}()
	}

	store, err := coordstore.NewEtcdStore(coordstore.EtcdStoreOptions{
		Endpoints:      strings.Split(adminAddress, ","),
		SessionTimeout: sessionTimeout,
		Logger:         logger.Named("coordstore"),
	})
	if err != nil {
		logger.Fatal("failed to set up the coordination store", zap.Error(err))
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:           store,
		AdminAddress:    adminAddress,
		ServiceCode:     serviceCode,
		PoolSize:        poolSize,
		Factory:         newMonitorFactory(logger.Named("pool")),
		ConnectTimeout:  connectTimeout,
		ConnectWaitTime: connectWait,
		RetryDelay:      retryDelay,
		Logger:          logger.Named("coordinator"),
	})
	if err != nil {
		logger.Fatal("failed to start the coordinator", zap.Error(err))
	}

	readyCtx, readyCancel := context.WithTimeout(context.Background(), time.Minute)
	err = coord.WaitUntilReady(readyCtx)
	readyCancel()
	if err != nil {
		logger.Warn("the cache pool has not been built yet, continuing to wait in the background",
			zap.Error(err))
	} else {
		logger.Info("the cache pool is ready", zap.Stringer("mode", coord.Mode()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received a signal, shutting down", zap.String("signal", sig.String()))

	coord.Close()
	coord.Pool().Shutdown()

	webCtx, webCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = webapi.ShutdownWebServer(webCtx)
	webCancel()
	if err != nil {
		logger.Warn("failed to cleanly stop the operations endpoint", zap.Error(err))
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
