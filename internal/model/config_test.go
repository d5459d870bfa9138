package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/trainer/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  addr: 127.0.0.1:9000
  log_format: text
train:
  datasets_root: /srv/datasets
  state_dir: /var/lib/trainer
  history_db: ""
  policy: replace
  stop_wait: 1m30s
  worker:
    path: /usr/bin/python3
    args: ["-u", "/opt/yolo/v8-train.py"]
    env:
      CUDA_VISIBLE_DEVICES: "0"
  defaults:
    epochs: 10
    model_type: n
  schedule:
    cron: "0 3 * * *"
    dataset: alz
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "127.0.0.1:9000", cfg.Service.Addr)
	require.Equal(t, model.LogFormatText, cfg.Service.LogFormat)
	require.False(t, cfg.Service.Verbose)

	train := cfg.Train
	require.Equal(t, "/srv/datasets", train.DatasetsRoot)
	require.Equal(t, "/var/lib/trainer/train.log", train.Path(train.LogFile))
	require.Equal(t, "/var/lib/trainer/train.pid", train.Path(train.PIDFile))
	require.Empty(t, train.Path(train.HistoryDB))
	require.Equal(t, model.PolicyReplace, train.Policy)
	require.Equal(t, "1m30s", train.StopWait)
	require.Equal(t, "/usr/bin/python3", train.Worker.Path)
	require.Equal(t, []string{"-u", "/opt/yolo/v8-train.py"}, train.Worker.Args)
	require.Equal(t, map[string]string{"CUDA_VISIBLE_DEVICES": "0"}, train.Worker.Env)
	require.Equal(t, model.TrainParams{Epochs: 10, BatchSize: 16, ImageSize: 640, Model: "n"}, train.Defaults)
	require.NotNil(t, train.Schedule)
	require.Equal(t, "0 3 * * *", train.Schedule.Cron)
	require.Equal(t, "alz", train.Schedule.Dataset)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.Equal(t, ":8000", cfg.Service.Addr)
	require.Equal(t, model.LogFormatJSON, cfg.Service.LogFormat)

	train := cfg.Train
	require.Equal(t, "train.log", train.Path(train.LogFile))
	require.Equal(t, "train.pid", train.Path(train.PIDFile))
	require.Equal(t, "train.db", train.Path(train.HistoryDB))
	require.Equal(t, model.PolicyReject, train.Policy)
	require.False(t, train.ClearOnFinish)
	require.Equal(t, "10s", train.StopWait)
	require.Equal(t, "python", train.Worker.Path)
	require.Equal(t, []string{"-u", "v8-train.py"}, train.Worker.Args)
	require.Equal(t, model.TrainParams{Epochs: 50, BatchSize: 16, ImageSize: 640, Model: "s"}, train.Defaults)
	require.Nil(t, train.Schedule)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		yml      string
		path     string
	}{
		{
			scenario: "unknown policy",
			yml:      "version: 0\ntrain:\n  policy: sometimes\n",
			path:     "train.policy",
		},
		{
			scenario: "unknown model",
			yml:      "version: 0\ntrain:\n  defaults:\n    model_type: xxl\n",
			path:     "train.defaults.model_type",
		},
		{
			scenario: "zero epochs",
			yml:      "version: 0\ntrain:\n  defaults:\n    epochs: 0\n",
			path:     "train.defaults.epochs",
		},
		{
			scenario: "bad stop_wait",
			yml:      "version: 0\ntrain:\n  stop_wait: 10 seconds\n",
			path:     "train.stop_wait",
		},
		{
			scenario: "unknown field",
			yml:      "version: 0\ntrain:\n  gpus: 2\n",
			path:     "train.gpus",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)

			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
				require.NotEmpty(t, d.Code)
				require.NotEmpty(t, d.Message)
			}
			require.Contains(t, paths, tc.path)
		})
	}
}

func TestCueErrDetailsCodes(t *testing.T) {
	t.Parallel()
	_, err := model.LoadConfig(strings.NewReader("version: 0\ntrain:\n  gpus: 2\n  policy: sometimes\n"))
	require.Error(t, err)

	byPath := make(map[string]model.CueErrorDetail)
	for _, d := range model.CueErrDetails(err) {
		byPath[d.Path] = d
	}
	require.Equal(t, "unknown_field", byPath["train.gpus"].Code)
	require.Equal(t, "unknown field gpus", byPath["train.gpus"].Message)
	require.Equal(t, "invalid_value", byPath["train.policy"].Code)
	require.Contains(t, byPath["train.policy"].Message, "replace")
	require.Positive(t, byPath["train.policy"].Pos.Line)
}

func TestCueErrDetailsNil(t *testing.T) {
	require.Nil(t, model.CueErrDetails(nil))
}

func TestApplyEnv(t *testing.T) {
	cfg := model.DefaultConfig()
	require.NoError(t, model.ApplyEnv(&cfg))
	require.Equal(t, model.DefaultConfig(), cfg)

	t.Setenv(model.EnvDatasetsRoot, "/data/sets")
	t.Setenv(model.EnvAddr, ":9999")
	t.Setenv(model.EnvVerbose, "true")
	require.NoError(t, model.ApplyEnv(&cfg))
	require.Equal(t, "/data/sets", cfg.Train.DatasetsRoot)
	require.Equal(t, ":9999", cfg.Service.Addr)
	require.True(t, cfg.Service.Verbose)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{given: "10s", then: 10 * time.Second},
		{given: "1m30s", then: 90 * time.Second},
		{given: "1d2h", then: 26 * time.Hour},
		{given: "1d2h3m4s", then: 26*time.Hour + 3*time.Minute + 4*time.Second},
		{given: "", err: true},
		{given: "10", err: true},
		{given: "1s1m", err: true},
		{given: "P1D", err: true},
		{given: "9999999999999d", err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	d, err := model.ParseCron("*/5 * * * *")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = model.ParseCron("@hourly")
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)

	_, err = model.ParseCron("")
	require.Error(t, err)
	_, err = model.ParseCron("* * * * * *")
	require.Error(t, err)
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Schedule
		err      string
	}{
		{
			scenario: "cron",
			given:    model.Schedule{Cron: "@daily", Dataset: "alz"},
		},
		{
			scenario: "duration",
			given:    model.Schedule{Duration: "12h", Dataset: "alz"},
		},
		{
			scenario: "no dataset",
			given:    model.Schedule{Cron: "@daily"},
			err:      "schedule.dataset is empty",
		},
		{
			scenario: "both",
			given:    model.Schedule{Cron: "@daily", Duration: "1h", Dataset: "alz"},
			err:      "schedule: both cron and duration are set",
		},
		{
			scenario: "none",
			given:    model.Schedule{Dataset: "alz"},
			err:      "schedule: both cron and duration are empty",
		},
		{
			scenario: "zero duration",
			given:    model.Schedule{Duration: "0s", Dataset: "alz"},
			err:      "schedule.duration must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := tc.given.Validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.err)
		})
	}
}
