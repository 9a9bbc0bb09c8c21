// stationctl is the operator console for a station's data directory. It
// opens the stores directly, so stationd must not be running against the
// same directory.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/console"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/loader"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/manager"
)

func main() {
	cfgPath := flag.String("config", config.DefaultConfigPath, "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logging.Init(logging.ParseLevel(*level), false)

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fatal(err)
		}
		cfg = loader.DefaultConfig()
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	// The console never talks to the cloud.
	cfg.Sync.Enabled = false

	ctx := context.Background()
	mgr, err := manager.New(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer mgr.Close()

	shell := console.New(mgr, os.Stdout)

	// Arguments run as a single command.
	if flag.NArg() > 0 {
		if err := shell.Execute(ctx, strings.Join(flag.Args(), " ")); err != nil && err != console.ErrExit {
			mgr.Close()
			fatal(err)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		runLines(ctx, shell)
		return
	}
	runPrompt(ctx, shell, cfg.DataDir)
}

// runPrompt drives the shell with an interactive line editor.
func runPrompt(ctx context.Context, shell *console.Shell, dataDir string) {
	var suggestions []prompt.Suggest
	for _, c := range shell.Commands() {
		suggestions = append(suggestions, prompt.Suggest{Text: c.Name, Description: c.Help})
	}
	suggestions = append(suggestions, prompt.Suggest{Text: "exit", Description: "leave the console"})

	exiting := false
	executor := func(line string) {
		err := shell.Execute(ctx, line)
		if err == console.ErrExit {
			exiting = true
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	completer := func(d prompt.Document) []prompt.Suggest {
		// Only the command word is completed.
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
	}

	p := prompt.New(executor, completer,
		prompt.OptionPrefix("station> "),
		prompt.OptionTitle("stationctl "+dataDir),
		prompt.OptionSetExitCheckerOnInput(func(_ string, breakline bool) bool {
			return breakline && exiting
		}),
	)
	p.Run()
}

// runLines executes commands read from stdin, one per line.
func runLines(ctx context.Context, shell *console.Shell) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		err := shell.Execute(ctx, sc.Text())
		if err == console.ErrExit {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "stationctl:", err)
	os.Exit(1)
}
