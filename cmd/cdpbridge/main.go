package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bingosuite/cdpbridge/config"
	"github.com/bingosuite/cdpbridge/internal/bridge"
	"github.com/bingosuite/cdpbridge/internal/engine"
	"github.com/bingosuite/cdpbridge/internal/engine/gojs"
	"github.com/bingosuite/cdpbridge/internal/inspector"
	"github.com/bingosuite/cdpbridge/internal/logging"
	"github.com/bingosuite/cdpbridge/internal/ws"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath string
	addr       string
	scriptsDir string
	pathPrefix string
	logLevel   string
)

var log = logging.New("Main")

var rootCmd = &cobra.Command{
	Use:   "cdpbridge",
	Short: "Debug embedded JavaScript with Chrome DevTools",
	Long: `cdpbridge runs the scripts of a directory in an embedded JavaScript engine and
exposes them to Chrome DevTools (or any DevTools protocol client) over a websocket.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config/config.yml", "path to the YAML config")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.Flags().StringVar(&scriptsDir, "scripts", "", "directory of *.js scripts (overrides debugger.scripts_dir)")
	rootCmd.Flags().StringVar(&pathPrefix, "path-prefix", "", "script url path prefix (overrides debugger.path_prefix)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = addr
	}
	if cmd.Flags().Changed("scripts") {
		cfg.Debugger.ScriptsDir = scriptsDir
	}
	if cmd.Flags().Changed("path-prefix") {
		cfg.Debugger.PathPrefix = pathPrefix
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
}

func run(parent context.Context, cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	thread := engine.Start("gojs")
	defer thread.Stop()

	eng, err := gojs.New(thread, gojs.Options{PollInterval: cfg.Debugger.PollInterval})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	urls := bridge.NewScriptURLs(cfg.Debugger.ScriptsDomain, cfg.Debugger.PathPrefix)
	b := bridge.New(eng, thread, bridge.Options{URLs: urls})
	if err := eng.SetDelegate(gojs.Delegate{OnMessage: b.OnEngineMessage, OnPause: b.PollWhilePaused}); err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}

	provider := inspector.NewDirProvider(cfg.Debugger.ScriptsDir)
	dispatcher := inspector.NewDispatcher(provider, urls)
	dispatcher.Bind(b)

	server := ws.NewServer(cfg.Server.Addr, &cfg.WebSocket)
	hub := server.AddTarget(cfg.Debugger.TargetTitle, urls.URL(""), dispatcher)
	b.SetNotifier(hub)
	b.Attach()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()
	go runScripts(ctx, eng, provider, cfg.Debugger.RunInterval)

	select {
	case <-ctx.Done():
		log.Infof("signal received, shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("websocket server: %w", err)
		}
	case <-hub.Done():
		log.Infof("target closed, shutting down")
	}

	// A paused engine must let go before the thread can stop.
	eng.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runScripts runs every provider script once, or every interval when one is set.
func runScripts(ctx context.Context, eng *gojs.Engine, provider inspector.ScriptSourceProvider, interval time.Duration) {
	runAll := func() {
		for _, id := range provider.AllScriptIDs() {
			if ctx.Err() != nil {
				return
			}
			src, err := provider.GetSource(id)
			if err != nil {
				log.Warnf("skipping %s: %v", id, err)
				continue
			}
			if err := eng.Run(id, src); err != nil {
				if errors.Is(err, engine.ErrStopped) {
					return
				}
				log.Warnf("%v", err)
			}
		}
	}

	runAll()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runAll()
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
