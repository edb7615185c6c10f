package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eringen/skyposter"
	"github.com/eringen/skyposter/article"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = withApp(runServe)
	case "publish":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: skyposter publish <event.json>")
			os.Exit(1)
		}
		err = withApp(func(app *skyposter.App) error { return runPublish(app, os.Args[2]) })
	case "log":
		err = withApp(func(app *skyposter.App) error { return runLog(app, os.Args[2:]) })
	case "version":
		fmt.Printf("skyposter %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads the configuration, builds the App and its logger, runs fn
// and closes everything.
func withApp(fn func(*skyposter.App) error) error {
	cfg, err := skyposter.LoadConfig(skyposter.EnvOr("SKYPOSTER_CONFIG", "skyposter.yaml"))
	if err != nil {
		return err
	}
	zl, closeLog := newLogger(cfg)
	defer closeLog()

	app := skyposter.New(cfg, skyposter.WithLogger(zl))
	defer app.Close()
	return fn(app)
}

// newLogger builds the process logger: a console writer on stderr plus a
// size-rotated file when LogFile is set.
func newLogger(cfg skyposter.Config) (zerolog.Logger, func()) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}}
	closeFn := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		writers = append(writers, file)
		closeFn = func() { _ = file.Close() }
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return zl, closeFn
}

func runServe(app *skyposter.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	app.Logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// runPublish feeds one event from a JSON file (or stdin for "-") through
// the same path as the webhook.
func runPublish(app *skyposter.App, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var ev article.Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.PostID <= 0 {
		return errors.New("event has no post_id")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := app.Dispatch(ctx, ev)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}

func runLog(app *skyposter.App, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: skyposter log show|export <file>|clear")
	}
	if err := app.Open(); err != nil {
		return err
	}
	switch args[0] {
	case "show":
		_, err := app.Log.Export(os.Stdout)
		return err
	case "export":
		if len(args) < 2 {
			return errors.New("usage: skyposter log export <file>")
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		n, err := app.Log.Export(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", n, args[1])
		return nil
	case "clear":
		if err := app.Log.Clear(); err != nil {
			return err
		}
		fmt.Println("Log cleared.")
		return nil
	}
	return fmt.Errorf("unknown log command: %s", args[0])
}

func printUsage() {
	fmt.Println(`skyposter - posts published articles to Bluesky

Usage:
  skyposter <command> [arguments]

Commands:
  serve                 Run the webhook and admin server
  publish <event.json>  Run one article event through the pipeline ("-" reads stdin)
  log show              Print the activity log
  log export <file>     Write the activity log to a file
  log clear             Empty the activity log
  version               Print the skyposter version
  help                  Show this help message

Configuration is read from $SKYPOSTER_CONFIG (default skyposter.yaml)
and SKYPOSTER_* environment variables.`)
}
