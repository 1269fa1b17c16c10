package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gammazero/workerpool"
	"github.com/mitchellh/go-homedir"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/config"
	"github.com/dTelecom/razor-cc/pkg/sim"
)

func runScenario(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	sc, err := loadScenario(c.String("scenario"), !c.Bool("disable-strict-config"))
	if err != nil {
		return err
	}

	res, err := sim.Run(sc, sim.RunParams{Config: conf, Logger: logger.GetLogger()})
	if err != nil {
		return errors.Wrapf(err, "run %s", sc.Name)
	}

	if c.Bool("trace") {
		printTrace(res)
	}
	printResults([]*sim.Result{res})
	return nil
}

func sweepScenarios(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no scenario files given")
	}

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	strictMode := !c.Bool("disable-strict-config")
	scenarios := make([]sim.Scenario, 0, c.NArg())
	for _, file := range c.Args().Slice() {
		sc, err := loadScenario(file, strictMode)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, sc)
	}

	var (
		lock    sync.Mutex
		results = make([]*sim.Result, len(scenarios))
		errs    []error
	)
	pool := workerpool.New(max(c.Int("workers"), 1))
	for i, sc := range scenarios {
		pool.Submit(func() {
			start := time.Now()
			res, err := sim.Run(sc, sim.RunParams{Config: conf, Logger: logger.GetLogger()})

			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "run %s", sc.Name))
				return
			}
			results[i] = res
			logger.Infow("scenario done", "name", sc.Name, "elapsed", time.Since(start))
		})
	}
	pool.StopWait()

	if len(errs) != 0 {
		return errs[0]
	}
	printResults(results)
	return nil
}

func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

func loadScenario(file string, strictMode bool) (sim.Scenario, error) {
	path, err := expandPath(file)
	if err != nil {
		return sim.Scenario{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.Scenario{}, err
	}
	sc, err := sim.ParseScenario(data, strictMode)
	if err != nil {
		return sc, errors.Wrap(err, file)
	}
	if sc.Name == sim.DefaultScenario.Name {
		sc.Name = file
	}
	return sc, nil
}

func expandPath(file string) (string, error) {
	return homedir.Expand(os.ExpandEnv(file))
}

func printResults(results []*sim.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Scenario",
		"Variant",
		"Duration",
		"Min",
		"Avg",
		"Max",
		"Final",
		"Goodput",
		"Sent",
		"Lost",
		"Feedback",
	})

	for _, res := range results {
		table.Append([]string{
			res.Scenario.Name,
			res.Scenario.Variant,
			res.Scenario.Duration.String(),
			formatBitrate(res.MinTarget),
			formatBitrate(res.AvgTarget),
			formatBitrate(res.MaxTarget),
			formatBitrate(res.FinalTarget),
			formatBitrate(res.Goodput),
			humanize.Comma(int64(res.NumSent)),
			humanize.Comma(int64(res.NumLost)),
			humanize.Comma(int64(res.NumFeedback)),
		})
	}

	table.Render()
}

func printTrace(res *sim.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"At",
		"Target",
		"Pacing",
		"Remote",
		"Usage",
		"State",
		"Phase",
		"Loss",
		"RTT",
		"Link queue",
	})

	for _, s := range res.Trace {
		table.Append([]string{
			s.At.String(),
			formatBitrate(s.Target),
			formatBitrate(s.PacingRate),
			formatBitrate(s.RemoteEstimate),
			s.Usage.String(),
			s.State.String(),
			s.Phase,
			fmt.Sprintf("%d/256", s.FractionLoss),
			s.SmoothedRTT.String(),
			s.LinkQueue.String(),
		})
	}

	table.Render()
}

func formatBitrate(bps int64) string {
	return humanize.SIWithDigits(float64(bps), 1, "bps")
}
