package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testStruct struct {
	configFileName string
	configBody     string

	expectedError      error
	expectedConfigBody string
}

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	tests := []testStruct{
		{"", "", nil, ""},
		{"", "configBody", nil, "configBody"},
		{filepath.Join(dir, "file"), "configBody", nil, "configBody"},
		{filepath.Join(dir, "file"), "", nil, "fileContent"},
	}
	for _, test := range tests {
		func() {
			writeConfigFile(test, t)
			defer os.Remove(test.configFileName)

			configBody, err := getConfigString(test.configFileName, test.configBody)
			require.Equal(t, test.expectedError, err)
			require.Equal(t, test.expectedConfigBody, configBody)
		}()
	}
}

func TestShouldReturnErrorIfConfigFileDoesNotExist(t *testing.T) {
	configBody, err := getConfigString("notExistingFile", "")
	require.Error(t, err)
	require.Empty(t, configBody)
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "spike.yaml")
	require.NoError(t, os.WriteFile(file, []byte("duration: 2s\nvariant: bbr\n"), 0o644))

	sc, err := loadScenario(file, true)
	require.NoError(t, err)
	require.Equal(t, file, sc.Name)
	require.Equal(t, "bbr", sc.Variant)

	require.NoError(t, os.WriteFile(file, []byte("bogus: 1\n"), 0o644))
	_, err = loadScenario(file, true)
	require.Error(t, err)
}

func writeConfigFile(test testStruct, t *testing.T) {
	if test.configFileName != "" {
		d1 := []byte(test.expectedConfigBody)
		err := os.WriteFile(test.configFileName, d1, 0o644)
		require.NoError(t, err)
	}
}
