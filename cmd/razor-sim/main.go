package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/config"
	"github.com/dTelecom/razor-cc/pkg/telemetry/prometheus"
	"github.com/dTelecom/razor-cc/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to razor config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "razor config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"RAZOR_CONFIG"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:  "razor-sim",
		Usage: "congestion control simulator",
		Flags: append(baseFlags, generatedFlags...),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "runs a single scenario and prints the result",
				Action: runScenario,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "scenario",
						Usage:    "path to scenario file",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "trace",
						Usage: "prints every sample",
					},
				},
			},
			{
				Name:      "sweep",
				Usage:     "runs several scenarios in parallel and prints a summary",
				ArgsUsage: "<scenario file>...",
				Action:    sweepScenarios,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "number of scenarios to run at once",
						Value: 4,
					},
				},
			},
			{
				Name:   "config",
				Usage:  "prints the effective configuration",
				Action: printConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.PrometheusPort > 0 {
		prometheus.Init("razor-sim")
		go func() {
			addr := fmt.Sprintf(":%d", conf.PrometheusPort)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				logger.Warnw("prometheus listener stopped", err, "addr", addr)
			}
		}()
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := expandPath(configFile)
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
