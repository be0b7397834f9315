// Command nirpls cleans NIR datasets, trains PLS models, evaluates them and
// serves predictions.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YuminosukeSato/nirpls/config"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"github.com/YuminosukeSato/nirpls/pkg/log"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "clean":
		err = run(ctx, command, args, runClean)
	case "train":
		err = run(ctx, command, args, runTrain)
	case "evaluate":
		err = run(ctx, command, args, runEvaluate)
	case "predict":
		err = run(ctx, command, args, runPredict)
	case "serve":
		err = run(ctx, command, args, runServe)
	case "version":
		fmt.Printf("nirpls version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nirpls %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`nirpls - nutrient prediction from NIR spectra with PLS regression

Usage: nirpls <command> [options]

Commands:
  clean      Clean the raw dataset and write features, target, wavelengths and splits
  train      Select n_components by grouped CV, fit and register the model
  evaluate   Evaluate the registered model on one validation fold
  predict    Predict a nutrient value from a spectrum JSON file
  serve      Serve /health, /predict and /info over HTTP
  version    Show nirpls version
  help       Show this help message

Common Flags:
  --crop <name>         Crop (env CROP, default carrots)
  --target <name>       Target nutrient (env TARGET, default antioxidants)
  --data-dir <dir>      Data directory (env NIRPLS_DATA_DIR, default data)
  --models-dir <dir>    Model directory (env NIRPLS_MODELS_DIR, default models)
  --log-level <level>   debug, info, warn or error (env NIRPLS_LOG_LEVEL)
  --listen <addr>       Listen address for serve (env NIRPLS_LISTEN)

Run 'nirpls <command> -h' for command-specific flags.`)
}

// app is what every command receives after flag parsing.
type app struct {
	cfg    config.Config
	out    io.Writer
	logger log.Logger
}

// commandFunc registers its own flags on fs and returns the command body.
type commandFunc func(fs *flag.FlagSet) func(ctx context.Context, a *app) error

func run(ctx context.Context, name string, args []string, cmd commandFunc) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	body := cmd(fs)
	cfg, err := config.Parse(fs, args, os.Getenv)
	if err != nil {
		return err
	}
	setupLogging(os.Stderr, cfg.LogLevel)
	return body(ctx, &app{cfg: cfg, out: os.Stdout, logger: log.GetLoggerWithName(name)})
}

// setupLogging は slog の JSON ハンドラと、ライブラリ警告用の zerolog コンソール出力を設定する
func setupLogging(w io.Writer, level string) {
	log.SetupLoggerWithWriter(w, level)

	zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(zerologLevel(level)).
		With().Timestamp().Logger()
	errors.SetZerologWarnFunc(errors.ZerologWarnFunc(zl))
}

func zerologLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}
