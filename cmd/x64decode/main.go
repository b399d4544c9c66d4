// x64decode prints how the fault-path decoder classifies host instructions.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	log "github.com/colorfulnotion/guestfault/log"
	"github.com/spf13/cobra"
)

func main() {
	var (
		logLevel     string
		debugModules string
		inputFile    string
		noColor      bool
	)

	var rootCmd = &cobra.Command{
		Use:   "x64decode [hex ...]",
		Short: "Decode faulting x86-64 instructions",
		Long: `Decodes each hex-encoded instruction the way the fault handler does and
prints the classification next to a reference disassembly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			log.EnableModules(debugModules)

			inputs := args
			if inputFile != "" {
				lines, err := readLines(inputFile)
				if err != nil {
					return err
				}
				inputs = append(inputs, lines...)
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no instructions given")
			}
			failed := 0
			for _, in := range inputs {
				code, err := parseHex(in)
				if err != nil {
					return err
				}
				d := describe(code)
				fmt.Fprintln(cmd.OutOrStdout(), d.tree(!noColor).String())
				if !d.op.Supported() || d.lengthMismatch() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d instructions unsupported or mismatched", failed, len(inputs))
			}
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().StringVar(&debugModules, "debug", "", "Comma-separated modules to log at debug level (e.g. x64_mod)")
	rootCmd.Flags().StringVarP(&inputFile, "file", "f", "", "Read one hex instruction per line")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}
