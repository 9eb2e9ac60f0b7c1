package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatd/internal/daemon"
	"github.com/matheus3301/chatd/internal/paths"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	dataDir := flag.String("data-dir", paths.DefaultDataDir(), "data directory (env "+paths.EnvDataDir+")")
	configPath := flag.String("config", "", "config file (default <data-dir>/config.toml)")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: cannot determine data directory, pass --data-dir")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir:    *dataDir,
			ConfigPath: *configPath,
			HTTPAddr:   *httpAddr,
		}),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)

	app.Run()
}
