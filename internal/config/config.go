// Package config binds the command line, environment, and an optional
// YAML file into a fully-resolved run configuration, in that precedence
// order (flags win, then REQSHOOTER_* env vars, then --config).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ilya-4real/req-shooter/endpoint"
)

// Run is the fully-resolved configuration for a single invocation, ready
// to be handed to the thread pool.
type Run struct {
	Job     endpoint.Job
	Workers int
}

// BindFlags registers the run command's flags (spec.md section 6: -t, -c,
// -d, -H) plus --config, and binds them into v so that env vars and an
// optional config file can supply values flags don't override.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.Uint8P("threads", "t", 1, "number of worker threads")
	flags.UintP("conns", "c", 100, "connections per worker")
	flags.UintP("duration", "d", 0, "run duration in seconds (required)")
	flags.StringP("header", "H", "", "extra request header, \"Name: value\"")
	flags.String("config", "", "optional YAML config file")

	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix("reqshooter")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return nil
}

// Load resolves the Run configuration for url from v's current layered
// flags/env/config-file state. url is a positional argument, not bound
// through viper, since cobra hands it to the command separately.
func Load(v *viper.Viper, url string) (Run, error) {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Run{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	endpointVal, err := endpoint.ParseEndpoint(url)
	if err != nil {
		return Run{}, err
	}

	if header := v.GetString("header"); header != "" {
		if err := endpointVal.AddHeader(header); err != nil {
			return Run{}, err
		}
	}

	duration := v.GetUint("duration")
	if duration == 0 {
		return Run{}, fmt.Errorf("-d/--duration is required and must be greater than 0")
	}

	threads := v.GetUint("threads")
	if threads == 0 || threads > 255 {
		return Run{}, fmt.Errorf("-t/--threads must be between 1 and 255")
	}

	conns := v.GetUint("conns")
	if conns == 0 {
		return Run{}, fmt.Errorf("-c/--conns must be greater than 0")
	}

	return Run{
		Job: endpoint.Job{
			Endpoint:        endpointVal,
			DurationSeconds: int(duration),
			ConnsPerWorker:  int(conns),
		},
		Workers: int(threads),
	}, nil
}
