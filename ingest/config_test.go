package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func TestAPIConfigFromEnv(t *testing.T) {
	config, err := APIConfigFromEnv(fakeEnvRepo{envVars: map[string]string{
		"CLARIDOC_API_BASE_URL":     "https://api.claridoc.example/api",
		"CLARIDOC_API_ACCESS_TOKEN": "secret",
	}})

	require.NoError(t, err)
	assert.Equal(t, "https://api.claridoc.example/api", config.BaseURL)
	assert.Equal(t, "secret", config.AccessToken)
}

func TestAPIConfigFromEnv_MissingBaseURL(t *testing.T) {
	_, err := APIConfigFromEnv(fakeEnvRepo{envVars: map[string]string{}})
	require.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	config := Config{}.withDefaults()
	assert.Equal(t, int64(DefaultMaxFileSize), config.MaxFileSize)
	assert.Equal(t, int64(DefaultChunkSize), config.ChunkSize)
	assert.Equal(t, int64(10*1024*1024), config.MaxFileSize)
	assert.Equal(t, int64(5*1024*1024), config.ChunkSize)
}
