package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/jturney/carpetbag/commands"
)

type CLI struct {
	Run  commands.Run  `cmd:"" help:"Run the build service main loop"`
	Test commands.Test `cmd:"" help:"Stage and enqueue a package outside of the normal upload feed"`

	LogLevel  slog.Level `default:"info"            env:"CARPETBAG_LOG_LEVEL"  help:"Set the log level (debug, info, warn, error)"`
	AddSource bool       `env:"CARPETBAG_ADD_SOURCE" help:"Add source code location to log messages"`
	LogFormat string     `default:"text"            env:"CARPETBAG_LOG_FORMAT" enum:"text,json" help:"Set the log format (text, json)"`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli)

	if cli.LogFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     cli.LogLevel,
			AddSource: cli.AddSource,
		})))
	} else {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:     cli.LogLevel,
			AddSource: cli.AddSource,
		})))
	}

	err := ctx.Run(slog.Default())
	ctx.FatalIfErrorf(err)
}
