package model

import (
	"github.com/spf13/viper"
)

// environment variables overriding the config file
const (
	EnvDatasetsRoot = "DATASETS_ROOT"
	EnvAddr         = "TRAINER_ADDR"
	EnvVerbose      = "TRAINER_VERBOSE"
)

// ApplyEnv overrides cfg with the values of bound environment variables.
// Unset variables leave the config untouched.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	for key, env := range map[string]string{
		"datasets_root": EnvDatasetsRoot,
		"addr":          EnvAddr,
		"verbose":       EnvVerbose,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}

	if v.IsSet("datasets_root") {
		cfg.Train.DatasetsRoot = v.GetString("datasets_root")
	}
	if v.IsSet("addr") {
		cfg.Service.Addr = v.GetString("addr")
	}
	if v.IsSet("verbose") {
		cfg.Service.Verbose = v.GetBool("verbose")
	}
	return nil
}
