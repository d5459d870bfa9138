package service

import (
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/trainer/internal/model"
	"github.com/CZERTAINLY/trainer/internal/proc"
)

// environment the worker gets unless the server or config sets it
var workerEnvDefaults = map[string]string{
	"PYTHONUNBUFFERED": "1",
	"PYTHONIOENCODING": "utf-8",
	"PYTHONUTF8":       "1",
}

// WorkerCommand translates training parameters into the worker's
// command line. Output is left for the caller to set.
func WorkerCommand(w model.Worker, dataset string, p model.TrainParams) proc.Command {
	args := slices.Clone(w.Args)
	args = append(args,
		"--dataset", dataset,
		"--epochs", strconv.Itoa(p.Epochs),
		"--batch_size", strconv.Itoa(p.BatchSize),
		"--img_size", strconv.Itoa(p.ImageSize),
		"--model_type", p.Model,
	)
	return proc.Command{
		Path: w.Path,
		Args: args,
		Env:  workerEnv(os.Environ(), w.Env),
	}
}

// workerEnv overrides base with values from the config. Values starting
// with $ are expanded from the server environment.
func workerEnv(base []string, cfg map[string]string) []string {
	env := slices.Clone(base)
	index := make(map[string]int, len(env))
	for i, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		index[k] = i
	}

	for _, k := range slices.Sorted(maps.Keys(cfg)) {
		v := cfg[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		if i, ok := index[k]; ok {
			env[i] = k + "=" + v
			continue
		}
		index[k] = len(env)
		env = append(env, k+"="+v)
	}

	for _, k := range slices.Sorted(maps.Keys(workerEnvDefaults)) {
		if _, ok := index[k]; !ok {
			env = append(env, k+"="+workerEnvDefaults[k])
		}
	}
	return env
}
