package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/adgen/internal/config"
	"github.com/danshapiro/adgen/internal/events"
	"github.com/danshapiro/adgen/internal/runner"
	"github.com/danshapiro/adgen/internal/server"
	"github.com/danshapiro/adgen/internal/store"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	case "costs":
		os.Exit(cmdCosts(os.Args[2:]))
	default:
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  adgen run --config <config.yaml> --template <template.yaml> [--out <dir>] [--resume]")
	fmt.Fprintln(os.Stderr, "  adgen serve [--addr <host:port>] --config <config.yaml> --template <template.yaml> [--out <dir>]")
	fmt.Fprintln(os.Stderr, "  adgen costs [--out <dir>]")
}

func cmdRun(args []string) int {
	var configPath, templatePath, outDir string
	var resume bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return exitUsage
			}
			configPath = args[i]
		case "--template":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--template requires a value")
				return exitUsage
			}
			templatePath = args[i]
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				return exitUsage
			}
			outDir = args[i]
		case "--resume":
			resume = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return exitUsage
		}
	}
	if configPath == "" || templatePath == "" {
		usage()
		return exitUsage
	}

	logger := log.New(os.Stderr, "[adgen] ", log.LstdFlags)

	cfg, err := config.LoadRunConfig(configPath)
	if err != nil {
		logger.Printf("config: %v", err)
		return exitError
	}
	config.ApplyEnvOverrides(cfg)
	if resume {
		cfg.Resume = true
	}
	tpl, err := config.LoadTemplate(templatePath)
	if err != nil {
		logger.Printf("template: %v", err)
		return exitError
	}
	if err := config.CheckBudget(cfg); err != nil {
		logger.Printf("%v", err)
		return exitError
	}

	if outDir == "" {
		outDir = cfg.OutDir
	}
	if outDir == "" {
		outDir = fmt.Sprintf("out/run-%s", time.Now().UTC().Format("20060102_150405"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := "run-" + ulid.Make().String()
	bus := events.NewBus()
	defer bus.Close()

	// Mirror run events onto stderr.
	ch, doneCh, unsub := bus.Subscribe()
	defer unsub()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Type {
				case events.TypeStarted:
					logger.Printf("%s: generating %d image(s) into %s", ev.RunID, ev.Total, outDir)
				case events.TypeLog:
					logger.Printf("%s", ev.Msg)
				case events.TypeProgress:
					logger.Printf("progress %d/%d ($%.2f)", ev.Done, ev.Total, ev.CostSoFar)
				case events.TypeFinished:
					logger.Printf("%s: finished", ev.RunID)
					return
				case events.TypeFailed:
					logger.Printf("%s: failed: %s", ev.RunID, ev.Error)
					return
				}
			case <-doneCh:
				return
			}
		}
	}()

	err = runner.Execute(ctx, runID, cfg, tpl, outDir, bus)
	bus.Close()
	<-printed
	if err != nil {
		logger.Printf("run: %v", err)
		return exitError
	}
	return exitOK
}

func cmdServe(args []string) int {
	addr := ":8080"
	var configPath, templatePath string
	outDir := "out"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				return exitUsage
			}
			addr = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return exitUsage
			}
			configPath = args[i]
		case "--template":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--template requires a value")
				return exitUsage
			}
			templatePath = args[i]
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				return exitUsage
			}
			outDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return exitUsage
		}
	}
	if configPath == "" || templatePath == "" {
		usage()
		return exitUsage
	}

	srv := server.New(server.Config{
		Addr:         addr,
		ConfigPath:   configPath,
		TemplatePath: templatePath,
		OutDir:       outDir,
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return exitError
	}
	return exitOK
}

func cmdCosts(args []string) int {
	outDir := "out"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				return exitUsage
			}
			outDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return exitUsage
		}
	}

	sum, err := store.ScanCosts(outDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "costs: %v\n", err)
		return exitError
	}
	out, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "costs: %v\n", err)
		return exitError
	}
	fmt.Println(string(out))
	return exitOK
}
