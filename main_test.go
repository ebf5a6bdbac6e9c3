package main

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func flagEnvVars() map[string][]string {
	out := make(map[string][]string)
	for _, f := range appFlags {
		name := f.Names()[0]
		switch ff := f.(type) {
		case *cli.StringFlag:
			out[name] = ff.EnvVars
		case *cli.BoolFlag:
			out[name] = ff.EnvVars
		case *cli.IntFlag:
			out[name] = ff.EnvVars
		case *cli.Int64Flag:
			out[name] = ff.EnvVars
		case *cli.DurationFlag:
			out[name] = ff.EnvVars
		}
	}
	return out
}

func TestConfigEnvironmentNames(t *testing.T) {
	cases := map[string]string{
		"jetstream-endpoint":           "JETSTREAM_ENDPOINT",
		"jetstream-compress":           "JETSTREAM_COMPRESS",
		"max-reconnect-attempts":       "JETSTREAM_RECONNECT_MAX_ATTEMPTS",
		"reconnect-initial-backoff-ms": "JETSTREAM_RECONNECT_INITIAL_BACKOFF_MS",
		"reconnect-max-backoff-ms":     "JETSTREAM_RECONNECT_MAX_BACKOFF_MS",
		"max-job-duration-ms":          "JETSTREAM_MAX_DURATION_MS",
		"cursor-backend":               "JETSTREAM_CURSOR_PERSISTENCE",
		"cursor-file":                  "JETSTREAM_CURSOR_FILE_PATH",
		"cursor-autosave-ms":           "JETSTREAM_CURSOR_AUTO_SAVE_MS",
		"resolver-api":                 "DID_RESOLVER_API_BASE_URL",
		"resolver-cache-size":          "DID_RESOLVER_MAX_CACHE_SIZE",
		"resolver-cache-ttl-ms":        "DID_RESOLVER_CACHE_TTL_MS",
		"resolver-batch-size":          "DID_RESOLVER_BATCH_SIZE",
		"resolver-timeout-ms":          "DID_RESOLVER_REQUEST_TIMEOUT_MS",
		"nats-url":                     "NATS_URL",
		"db-url":                       "DATABASE_URL",
	}

	envs := flagEnvVars()
	for flagName, envName := range cases {
		require.Contains(t, envs, flagName)
		assert.Contains(t, envs[flagName], envName, "flag %s", flagName)
	}
}

func msContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("moodring", flag.ContinueOnError)
	for _, f := range appFlags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestMillisecondFlagDefaults(t *testing.T) {
	cctx := msContext(t)

	assert.Equal(t, time.Second, msFlag(cctx, "reconnect-initial-backoff-ms"))
	assert.Equal(t, 30*time.Second, msFlag(cctx, "reconnect-max-backoff-ms"))
	assert.Equal(t, 5*time.Minute, msFlag(cctx, "max-job-duration-ms"))
	assert.Equal(t, 5*time.Second, msFlag(cctx, "cursor-autosave-ms"))
	assert.Equal(t, time.Hour, msFlag(cctx, "resolver-cache-ttl-ms"))
	assert.Equal(t, 5*time.Second, msFlag(cctx, "resolver-timeout-ms"))
}

func TestMillisecondFlagParsing(t *testing.T) {
	t.Setenv("JETSTREAM_RECONNECT_INITIAL_BACKOFF_MS", "250")
	t.Setenv("JETSTREAM_MAX_DURATION_MS", "60000")
	t.Setenv("DID_RESOLVER_CACHE_TTL_MS", "900000")

	cctx := msContext(t)

	assert.Equal(t, 250*time.Millisecond, msFlag(cctx, "reconnect-initial-backoff-ms"))
	assert.Equal(t, time.Minute, msFlag(cctx, "max-job-duration-ms"))
	assert.Equal(t, 15*time.Minute, msFlag(cctx, "resolver-cache-ttl-ms"))
}
