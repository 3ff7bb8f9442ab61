package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/openpkg/spawnd/internal/log"
	"github.com/openpkg/spawnd/internal/model"
	"github.com/openpkg/spawnd/internal/service"
	"github.com/openpkg/spawnd/internal/spawn"
)

var (
	userConfigPath string // /default/config/path/spawnd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "spawnd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is spawnd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initSpawnd

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("spawnd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "spawnd",
	Short:        "Helper process supervisor for the packaging daemon",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and supervises the backend",
	RunE:  doRun,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [request args]",
	Short: "dispatch sends one request to the configured backend and streams its output",
	RunE:  doDispatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a spawnd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("spawnd: version info not available")
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("spawnd: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	attrs := slog.Group("spawnd",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	supervisor, err := service.NewSupervisor(ctx, config)
	if err != nil {
		return err
	}

	return supervisor.Do(ctx)
}

func doDispatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	attrs := slog.Group("spawnd",
		slog.String("cmd", "dispatch"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	exitCh := make(chan spawn.ExitClass, 1)
	s := spawn.New(
		func(_ context.Context, line string) {
			fmt.Println(line)
		},
		func(_ context.Context, class spawn.ExitClass) {
			exitCh <- class
		},
		spawn.WithNice(config.Backend.SpawnNiceValue),
	)

	argv := config.Backend.Argv(args...)
	if err := s.Run(ctx, argv, config.Backend.Envp()); err != nil {
		return err
	}

	select {
	case class := <-exitCh:
		if class != spawn.ExitSuccess {
			return fmt.Errorf("backend exited with %s", class)
		}
		return nil
	case <-ctx.Done():
		// interrupted: take the backend down with us
		_ = s.Kill(context.WithoutCancel(ctx))
		select {
		case class := <-exitCh:
			return fmt.Errorf("backend exited with %s", class)
		case <-time.After(5 * time.Second):
			return ctx.Err()
		}
	}
}

func initSpawnd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SPAWNDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "spawnd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "spawnd.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		err = model.StoreConfig(f, config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		v := viper.New()
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		var err error
		config, err = service.ParseConfig(v)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	log.Setup(config.Service.Verbose)

	slog.Debug("spawnd run", "configPath", configPath)
	slog.Debug("spawnd run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
