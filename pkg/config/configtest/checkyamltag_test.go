package configtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type goodConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Enabled  bool          `yaml:"enabled"`
	Nested   struct {
		MaxBitrate int64 `yaml:"max_bitrate,omitempty"`
	} `yaml:"nested,omitempty"`
	Skipped  int `yaml:"-"`
	internal int
}

type badConfig struct {
	NoOmitEmpty int     `yaml:"no_omit_empty"`
	CamelCase   int     `yaml:"camelCase,omitempty"`
	First       int     `yaml:"rate,omitempty"`
	Second      float64 `yaml:"rate,omitempty"`
	Untagged    string
	Exempt      int `yaml:"exempt" config:"allowempty"`
}

func TestCheckYAMLTags(t *testing.T) {
	require.NoError(t, CheckYAMLTags(goodConfig{}))
	require.NoError(t, CheckYAMLTags(&goodConfig{}))

	err := CheckYAMLTags(badConfig{})
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 5)
	require.Contains(t, errs[0].Error(), "NoOmitEmpty missing omitempty tag")
	require.Contains(t, errs[1].Error(), "is not snake_case")
	require.Contains(t, errs[2].Error(), "already used by First")
	require.Contains(t, errs[3].Error(), "Untagged missing yaml key")
	require.Contains(t, errs[4].Error(), "Untagged missing omitempty tag")
}
