package main

import (
	"flag"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/daemon"
)

func main() {
	// A .env next to the binary feeds the WAMS_* overrides; absence is
	// not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to wams.toml (optional)")
	listenAddr := flag.String("listen", "", "listen address override")
	dataDir := flag.String("data-dir", "", "data directory override")
	logLevel := flag.String("log-level", "", "log level override (debug|info|warn|error)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			ConfigPath: *configPath,
			ListenAddr: *listenAddr,
			DataDir:    *dataDir,
			LogLevel:   *logLevel,
		}),
	)

	app.Run()
}
