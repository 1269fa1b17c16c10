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
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dTelecom/razor-cc/pkg/bwe"
	"github.com/dTelecom/razor-cc/pkg/config/configtest"
	"github.com/dTelecom/razor-cc/pkg/engine"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, bwe.VariantGCC, conf.EstimatorVariant())

	sender := conf.SenderConfig()
	require.Equal(t, engine.DefaultSenderConfig.Bitrates, sender.Bitrates)
	require.Equal(t, engine.DefaultSenderConfig.HeaderOverhead, sender.HeaderOverhead)
	require.Equal(t, engine.DefaultSenderConfig.Pacer, sender.Pacer)
	require.Equal(t, engine.DefaultSenderConfig.MinLossTimeout, sender.MinLossTimeout)

	receiver := conf.ReceiverConfig()
	require.True(t, receiver.EnableREMB)
	require.Equal(t, engine.DefaultReceiverConfig.REMBInterval, receiver.REMBInterval)
	require.Equal(t, engine.DefaultReceiverConfig.TWCC, receiver.TWCC)
	require.Equal(t, "error", conf.Logging.ComponentLevels["pion"])
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `variant: bbr
bitrates:
  start: 500000
pacer:
  tick: 10ms
feedback:
  enable_remb: false`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, bwe.VariantBBR, conf.EstimatorVariant())
	require.Equal(t, int64(500_000), conf.Bitrates.Start)
	require.Equal(t, engine.DefaultBitratesConfig.Min, conf.Bitrates.Min)
	require.Equal(t, engine.DefaultBitratesConfig.Max, conf.Bitrates.Max)
	require.Equal(t, 10*time.Millisecond, conf.Pacer.Tick)
	require.Equal(t, engine.DefaultSenderConfig.Pacer.QueueTargetLatency, conf.Pacer.QueueTargetLatency)
	require.False(t, conf.ReceiverConfig().EnableREMB)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
bitrates:
  start: 500000`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(500_000), conf.Bitrates.Start)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{
			name:    "max below min",
			content: "bitrates:\n  min: 2000000\n  max: 1000000",
			err:     engine.ErrInvalidBitrates,
		},
		{
			name:    "unknown variant",
			content: "variant: cubic",
			err:     bwe.ErrUnknownVariant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.content, true, nil, nil)
			require.ErrorIs(t, err, tt.err)
		})
	}

	_, err := NewConfig("feedback:\n  remb_drop_ratio: 1.5", true, nil, nil)
	require.Error(t, err)
}

func TestGeneratedFlags(t *testing.T) {
	t.Setenv("RAZOR_HEADER_OVERHEAD", "40")

	generatedFlags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	for _, f := range generatedFlags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse([]string{
		"--variant=bbr",                   // string
		"--prometheus_port=9999",          // uint32
		"--bitrates.max=2000000",          // int64
		"--pacer.tick=10ms",               // duration
		"--feedback.remb_drop_ratio=0.05", // float64
		"--feedback.enable_remb=false",    // bool
	}))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.Equal(t, bwe.VariantBBR, conf.EstimatorVariant())
	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, int64(2_000_000), conf.Bitrates.Max)
	require.Equal(t, 10*time.Millisecond, conf.Pacer.Tick)
	require.Equal(t, 0.05, conf.Feedback.REMBDropRatio)
	require.False(t, conf.Feedback.EnableREMB)
	require.Equal(t, 40, conf.HeaderOverhead)

	// untouched values keep their defaults
	require.Equal(t, engine.DefaultBitratesConfig.Min, conf.Bitrates.Min)
}

func TestYAMLTags(t *testing.T) {
	for _, c := range []any{
		engine.SenderConfig{},
		engine.ReceiverConfig{},
		LossConfig{},
		FeedbackConfig{},
	} {
		require.NoError(t, configtest.CheckYAMLTags(c))
	}
}
