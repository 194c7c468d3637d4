package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ruleflow/ruleflow/internal/api"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/daemon"
	"github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/pipeline"
	"github.com/ruleflow/ruleflow/internal/plugin"
	"github.com/ruleflow/ruleflow/internal/rule"
	"github.com/ruleflow/ruleflow/internal/rulesfile"
	shttp "github.com/ruleflow/ruleflow/internal/server/http"
	"github.com/ruleflow/ruleflow/internal/server/socks5"
	"github.com/ruleflow/ruleflow/internal/statistics"
	"github.com/ruleflow/ruleflow/internal/values"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "ruleflow",
	Short: "ruleflow is a rule-driven HTTP proxy",
	Long:  "ruleflow is an HTTP proxy that resolves per-request rules from config, rule files, request headers and plugins, and rewrites URLs, headers and bodies accordingly.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Short flags
	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("bind", "b", "", "Bind address")
	rootCmd.Flags().IntP("port", "p", 0, "Port")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().Int("socks5-port", 0, "SOCKS5 port, 0 disables")
	rootCmd.Flags().String("api-server", "", "API server listen address")
	rootCmd.Flags().String("api-server-secret", "", "API server bearer secret")
	rootCmd.Flags().Int("max-payload-size", 0, "Max request body bytes buffered for body rules")
	rootCmd.Flags().String("rules-dir", "", "Directory of rule files")
	rootCmd.Flags().String("values-dir", "", "Directory of value files")

	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("socks5-port", rootCmd.Flags().Lookup("socks5-port"))
	_ = viper.BindPFlag("api-server", rootCmd.Flags().Lookup("api-server"))
	_ = viper.BindPFlag("api-server-secret", rootCmd.Flags().Lookup("api-server-secret"))
	_ = viper.BindPFlag("max-payload-size", rootCmd.Flags().Lookup("max-payload-size"))
	_ = viper.BindPFlag("rules-dir", rootCmd.Flags().Lookup("rules-dir"))
	_ = viper.BindPFlag("values-dir", rootCmd.Flags().Lookup("values-dir"))

	// RULEFLOW_BIND_ADDRESS, RULEFLOW_MAX_PAYLOAD_SIZE, ...
	viper.SetEnvPrefix("RULEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	config.SetDefaults(viper.GetViper())
}

func runRoot(cmd *cobra.Command, args []string) error {
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("ruleflow version %s\n", AppVersion)
		return nil
	}

	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		if err := config.WriteTemplate(config.TemplateFile); err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Printf("Template config file '%s' generated successfully.\n", config.TemplateFile)
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log.SetLogConf(cfg.LogLevel)
	log.LogHeader(AppVersion, cfg)

	if err := daemon.Setup(); err != nil {
		slog.Error("daemon.Setup", slog.Any("error", err))
		return err
	}

	recorder := statistics.New(log.GetStatsFilePath)
	recorder.Run()
	addShutdown("recorder.Close", recorder.Close)

	rules := rule.NewManager(cfg)
	resolver := rulesfile.NewResolver(cfg)
	store := values.NewStore(cfg)
	plugins := plugin.NewManager(cfg)

	p := pipeline.New(pipeline.Options{
		Rules:          rules,
		RulesFile:      resolver,
		Plugins:        plugins,
		Parser:         values.NewParser(store),
		Recorder:       recorder,
		MaxPayloadSize: cfg.MaxPayloadSize,
	})

	purge := func() {
		store.Purge()
		resolver.Purge()
		plugins.Purge()
	}

	srv := shttp.New(cfg, p, recorder)
	if err := startServer("http", srv); err != nil {
		shutdown()
		return err
	}

	if cfg.SOCKS5Port != 0 {
		if err := startServer("socks5", socks5.New(cfg, srv)); err != nil {
			shutdown()
			return err
		}
	}

	if cfg.APIServer != "" {
		apiSrv := api.New(cfg.APIServer, AppVersion, cfg, api.Deps{
			Rules:    rules,
			Plugins:  plugins,
			Recorder: recorder,
			Logs:     log.Logs(),
			Purge:    purge,
		})
		if err := startServer("api", apiSrv); err != nil {
			shutdown()
			return err
		}
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
			reload(rules, purge)
		default:
			return nil
		}
	}
}

// reload re-reads the config file and swaps in its rules. Listener settings
// need a restart.
func reload(rules *rule.Manager, purge func()) {
	if viper.ConfigFileUsed() != "" {
		if err := viper.ReadInConfig(); err != nil {
			slog.Error("viper.ReadInConfig", slog.Any("error", err))
			return
		}
	}
	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		slog.Error("config.BuildConfigFromViper", slog.Any("error", err))
		return
	}
	rules.Reload(cfg.Rules)
	purge()
}

// startServer binds srv, registers its Close and serves it in the background.
func startServer(name string, srv common.Server) error {
	if err := srv.Listen(); err != nil {
		slog.Error(name+".Listen", slog.Any("error", err))
		return err
	}
	addShutdown(name+".Close", srv.Close)
	go func() {
		if err := srv.Serve(); err != nil {
			slog.Error(name+".Serve", slog.Any("error", err))
		}
	}()
	return nil
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	slog.Info("ruleflow exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
