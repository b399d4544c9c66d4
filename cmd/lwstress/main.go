// lwstress runs the lightweight mutex, condition and fault-path stress
// scenarios against an in-process guest arena and kernel.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/colorfulnotion/guestfault/kernel"
	log "github.com/colorfulnotion/guestfault/log"
	"github.com/spf13/cobra"
)

func parseProtocol(s string) (kernel.Protocol, error) {
	switch strings.ToLower(s) {
	case "fifo":
		return kernel.FIFO, nil
	case "priority":
		return kernel.Priority, nil
	case "retry":
		return kernel.Retry, nil
	}
	return 0, fmt.Errorf("unknown protocol %q (fifo, priority, retry)", s)
}

func main() {
	var (
		logLevel     string
		debugModules string
		protocol     string
		cfg          config
	)

	var rootCmd = &cobra.Command{
		Use:   "lwstress",
		Short: "Stress the lightweight sync primitives and the fault path",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			log.EnableModules(debugModules)
			p, err := parseProtocol(protocol)
			if err != nil {
				return err
			}
			cfg.Protocol = p
			if cfg.Threads <= 0 || cfg.Iterations <= 0 {
				return fmt.Errorf("threads and iterations must be positive")
			}
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&debugModules, "debug", "", "Comma-separated modules to log at debug level (e.g. lwsync_mod,kernel_mod)")
	pf.StringVar(&protocol, "protocol", "fifo", "Mutex queueing protocol: fifo, priority or retry")
	pf.IntVarP(&cfg.Threads, "threads", "t", 8, "Number of guest threads")
	pf.IntVarP(&cfg.Iterations, "iterations", "n", 10000, "Iterations per thread")
	pf.Uint64Var(&cfg.Seed, "seed", uint64(time.Now().UnixNano()), "Random seed for critical-section jitter")
	pf.DurationVar(&cfg.Timeout, "timeout", 0, "Lock timeout (0 = wait forever)")

	scenario := func(name, short string, fn func(config) (result, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return report(cmd, fn, cfg)
			},
		}
	}
	rootCmd.AddCommand(
		scenario("mutex", "Increment a guest counter under one mutex from every thread", runMutex),
		scenario("cond", "Producer/consumer exchange through a condition", runCond),
		scenario("faults", "Race faulting LOCK CMPXCHG against a reserving thread", runFaults),
		&cobra.Command{
			Use:   "all",
			Short: "Run every scenario",
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, fn := range []func(config) (result, error){runMutex, runCond, runFaults} {
					if err := report(cmd, fn, cfg); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func report(cmd *cobra.Command, fn func(config) (result, error), cfg config) error {
	res, err := fn(cfg)
	fmt.Fprintln(cmd.OutOrStdout(), res)
	if err != nil {
		return err
	}
	if res.Violations > 0 {
		return fmt.Errorf("%s: %d violations", res.Name, res.Violations)
	}
	return nil
}
