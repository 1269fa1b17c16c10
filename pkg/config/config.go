// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/bwe/bbr"
	"github.com/dTelecom/razor-cc/pkg/bwe/gcc"
	"github.com/dTelecom/razor-cc/pkg/bwe/sendsidebwe"
	"github.com/dTelecom/razor-cc/pkg/ccutils"
	"github.com/dTelecom/razor-cc/pkg/engine"
	"github.com/dTelecom/razor-cc/pkg/pacer"
	"github.com/dTelecom/razor-cc/pkg/twcc"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "RAZOR_"
)

var durationType = reflect.TypeOf(time.Duration(0))

type Config struct {
	Variant        string                     `yaml:"variant,omitempty"`
	Bitrates       engine.BitratesConfig      `yaml:"bitrates,omitempty"`
	HeaderOverhead int                        `yaml:"header_overhead,omitempty"`
	Pacer          pacer.PacerConfig          `yaml:"pacer,omitempty"`
	GCC            gcc.GCCConfig              `yaml:"gcc,omitempty"`
	BBR            bbr.BBRConfig              `yaml:"bbr,omitempty"`
	Loss           LossConfig                 `yaml:"loss,omitempty"`
	Feedback       FeedbackConfig             `yaml:"feedback,omitempty"`
	Change         engine.BitrateChangeConfig `yaml:"change,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	Logging        LoggingConfig `yaml:"logging,omitempty"`
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	Development    bool          `yaml:"development,omitempty"`
}

type LossConfig struct {
	Weighted   sendsidebwe.WeightedLossConfig `yaml:"weighted,omitempty"`
	BBRFilter  ccutils.LossRateFilterConfig   `yaml:"bbr_filter,omitempty"`
	Window     time.Duration                  `yaml:"window,omitempty"`
	MinTimeout time.Duration                  `yaml:"min_timeout,omitempty"`
}

type FeedbackConfig struct {
	TWCC              twcc.ResponderConfig `yaml:"twcc,omitempty"`
	EnableREMB        bool                 `yaml:"enable_remb,omitempty"`
	REMBInterval      time.Duration        `yaml:"remb_interval,omitempty"`
	REMBDropRatio     float64              `yaml:"remb_drop_ratio,omitempty"`
	StreamTimeout     time.Duration        `yaml:"stream_timeout,omitempty"`
	MaxTrackedStreams int                  `yaml:"max_tracked_streams,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Variant:        bwe.VariantGCC.String(),
	Bitrates:       engine.DefaultSenderConfig.Bitrates,
	HeaderOverhead: engine.DefaultSenderConfig.HeaderOverhead,
	Pacer:          engine.DefaultSenderConfig.Pacer,
	GCC:            engine.DefaultSenderConfig.GCC,
	BBR:            engine.DefaultSenderConfig.BBR,
	Loss: LossConfig{
		Weighted:   engine.DefaultSenderConfig.Loss,
		BBRFilter:  engine.DefaultSenderConfig.BBRLoss,
		Window:     engine.DefaultSenderConfig.LossWindow,
		MinTimeout: engine.DefaultSenderConfig.MinLossTimeout,
	},
	Feedback: FeedbackConfig{
		TWCC:              engine.DefaultReceiverConfig.TWCC,
		EnableREMB:        engine.DefaultReceiverConfig.EnableREMB,
		REMBInterval:      engine.DefaultReceiverConfig.REMBInterval,
		REMBDropRatio:     engine.DefaultReceiverConfig.REMBDropRatio,
		StreamTimeout:     engine.DefaultReceiverConfig.StreamTimeout,
		MaxTrackedStreams: engine.DefaultReceiverConfig.MaxTrackedStreams,
	},
	Change:            engine.DefaultBitrateChangeConfig,
	HeartbeatInterval: engine.DefaultSenderConfig.HeartbeatInterval,
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if _, err := bwe.ParseVariant(conf.Variant); err != nil {
		return errors.Wrap(err, "could not validate config")
	}
	if _, err := conf.Bitrates.Validate(); err != nil {
		return errors.Wrap(err, "could not validate config")
	}
	if conf.HeaderOverhead < 0 {
		return fmt.Errorf("could not validate config: negative header overhead %d", conf.HeaderOverhead)
	}
	if conf.Feedback.REMBDropRatio < 0 || conf.Feedback.REMBDropRatio >= 1 {
		return fmt.Errorf("could not validate config: remb drop ratio %f out of range", conf.Feedback.REMBDropRatio)
	}
	return nil
}

func (conf *Config) EstimatorVariant() bwe.Variant {
	variant, _ := bwe.ParseVariant(conf.Variant)
	return variant
}

func (conf *Config) SenderConfig() engine.SenderConfig {
	return engine.SenderConfig{
		Bitrates:          conf.Bitrates,
		HeaderOverhead:    conf.HeaderOverhead,
		GCC:               conf.GCC,
		BBR:               conf.BBR,
		BBRLoss:           conf.Loss.BBRFilter,
		Pacer:             conf.Pacer,
		Loss:              conf.Loss.Weighted,
		Change:            conf.Change,
		LossWindow:        conf.Loss.Window,
		MinLossTimeout:    conf.Loss.MinTimeout,
		HeartbeatInterval: conf.HeartbeatInterval,
	}
}

func (conf *Config) ReceiverConfig() engine.ReceiverConfig {
	return engine.ReceiverConfig{
		Bitrates:          conf.Bitrates,
		GCC:               conf.GCC,
		TWCC:              conf.Feedback.TWCC,
		Change:            conf.Change,
		EnableREMB:        conf.Feedback.EnableREMB,
		REMBInterval:      conf.Feedback.REMBInterval,
		REMBDropRatio:     conf.Feedback.REMBDropRatio,
		StreamTimeout:     conf.Feedback.StreamTimeout,
		MaxTrackedStreams: conf.Feedback.MaxTrackedStreams,
		HeartbeatInterval: conf.HeartbeatInterval,
	}
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && yamlTagArray[1] == "inline"
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))

		switch {
		case value.Type() == durationType:
			flag = &cli.DurationFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Bool:
			flag = &cli.BoolFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int, kind == reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Float32, kind == reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case kind == reflect.Slice, kind == reflect.Map:
			// yaml only
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]
		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch {
		case configValue.Type() == durationType:
			configValue.SetInt(int64(c.Duration(flagName)))
		case kind == reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case kind == reflect.String:
			configValue.SetString(c.String(flagName))
		case kind == reflect.Int, kind == reflect.Int32, kind == reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case kind == reflect.Uint8, kind == reflect.Uint16, kind == reflect.Uint32, kind == reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case kind == reflect.Float32, kind == reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "razor")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "razor")
}
