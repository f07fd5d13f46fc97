package experiment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// RunDirs is the directory layout of one run.
type RunDirs struct {
	Root    string
	Monitor string
	Models  string
	Video   string
}

// makeRunDirs creates logDir/project/<runName> with monitor/, models/ and
// video/ beneath it. When the run directory already exists, " (N)" suffixes
// are tried until a free name is found, so repeated runs never clobber each
// other.
func makeRunDirs(logDir, project, runName string) (RunDirs, error) {
	base := filepath.Join(logDir, project)
	if err := os.MkdirAll(base, 0755); err != nil {
		return RunDirs{}, errors.Wrapf(err, "failed to create project dir %q", base)
	}
	root := filepath.Join(base, runName)
	for n := 1; ; n++ {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			break
		} else if err != nil {
			return RunDirs{}, errors.Wrapf(err, "failed to stat %q", root)
		}
		root = filepath.Join(base, fmt.Sprintf("%s (%d)", runName, n))
	}
	dirs := RunDirs{
		Root:    root,
		Monitor: filepath.Join(root, "monitor"),
		Models:  filepath.Join(root, "models"),
		Video:   filepath.Join(root, "video"),
	}
	for _, dir := range []string{dirs.Monitor, dirs.Models, dirs.Video} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return RunDirs{}, errors.Wrapf(err, "failed to create run dir %q", dir)
		}
	}
	return dirs, nil
}

// writeConfigYAML dumps the effective run configuration to config.yaml in the
// run directory, so a run is reproducible from its artifacts alone.
func writeConfigYAML(dirs RunDirs, cfg Config, seed int64) error {
	dump := struct {
		Seed   int64  `yaml:"seed"`
		Config Config `yaml:"config"`
	}{Seed: seed, Config: cfg}
	data, err := yaml.Marshal(dump)
	if err != nil {
		return errors.Wrap(err, "failed to encode run config")
	}
	path := filepath.Join(dirs.Root, "config.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}
