package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/bingosuite/cdpbridge/config"
	"github.com/bingosuite/cdpbridge/pkg/client"
)

const dialTimeout = 10 * time.Second

var (
	configPath string
	serverAddr string
	targetID   string
)

var rootCmd = &cobra.Command{
	Use:   "cdpbridge-client",
	Short: "Interactive DevTools protocol client for cdpbridge",
	Long: `cdpbridge-client attaches to a cdpbridge target and lets you drive the
Debugger and Runtime domains from a prompt.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := serverAddr
		if !cmd.Flags().Changed("server") {
			addr = defaultAddr(configPath)
		}

		c, target, err := connect(cmd.Context(), addr, targetID)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		fmt.Printf("✓ Attached to %s (%s)\n", target.Title, target.ID)
		return newREPL(c).Run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config/config.yml", "path to the server's YAML config, used for the default address")
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:9229", "cdpbridge host:port")
	rootCmd.Flags().StringVarP(&targetID, "target", "t", "", "target id (defaults to the first target)")
}

func defaultAddr(path string) string {
	cfg, err := config.Load(path)
	if err != nil || cfg.Server.Addr == "" {
		return "localhost:9229"
	}
	if strings.HasPrefix(cfg.Server.Addr, ":") {
		return "localhost" + cfg.Server.Addr
	}
	return cfg.Server.Addr
}

func connect(parent context.Context, addr, id string) (*client.Client, client.Target, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Waiting for cdpbridge at " + addr + "..."
	s.Start()
	defer s.Stop()

	ctx, cancel := context.WithTimeout(parent, dialTimeout)
	defer cancel()

	targets, err := client.ListTargets(ctx, addr)
	if err != nil {
		return nil, client.Target{}, err
	}
	target, err := pickTarget(targets, id)
	if err != nil {
		return nil, client.Target{}, err
	}

	c := client.New(target.WebSocketDebuggerURL)
	if err := c.Connect(ctx); err != nil {
		return nil, client.Target{}, err
	}
	return c, target, nil
}

func pickTarget(targets []client.Target, id string) (client.Target, error) {
	if len(targets) == 0 {
		return client.Target{}, fmt.Errorf("server has no targets")
	}
	if id == "" {
		return targets[0], nil
	}
	for _, t := range targets {
		if t.ID == id {
			return t, nil
		}
	}
	return client.Target{}, fmt.Errorf("target %s not found", id)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
