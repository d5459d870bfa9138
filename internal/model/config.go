package model

import (
	"io"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	PolicyReject  = "reject"
	PolicyReplace = "replace"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Train   Train   `json:"train" yaml:"train"`
}

type Service struct {
	Addr      string `json:"addr" yaml:"addr"`
	Verbose   bool   `json:"verbose" yaml:"verbose"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "json" | "text"
}

type Train struct {
	DatasetsRoot  string      `json:"datasets_root" yaml:"datasets_root"`
	StateDir      string      `json:"state_dir" yaml:"state_dir"`
	LogFile       string      `json:"log_file" yaml:"log_file"`
	PIDFile       string      `json:"pid_file" yaml:"pid_file"`
	HistoryDB     string      `json:"history_db" yaml:"history_db"` // empty disables history
	Policy        string      `json:"policy" yaml:"policy"`         // "reject" | "replace"
	ClearOnFinish bool        `json:"clear_on_finish" yaml:"clear_on_finish"`
	StopWait      string      `json:"stop_wait" yaml:"stop_wait"` // 1d2h3m4s form
	Worker        Worker      `json:"worker" yaml:"worker"`
	Defaults      TrainParams `json:"defaults" yaml:"defaults"`
	Schedule      *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Worker is the external training program. Training parameters are
// appended to Args as flags.
type Worker struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args" yaml:"args"`
	Env  map[string]string `json:"env" yaml:"env"`
}

// Schedule starts a training of Dataset periodically. Exactly one of
// Cron or Duration (1d2h3m4s form) is expected.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Dataset  string `json:"dataset" yaml:"dataset"`
}

// Path resolves a state file name against StateDir.
func (t Train) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(t.StateDir, name)
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns the schema defaults.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return *cfg
}
