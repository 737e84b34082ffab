package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/opengda/beamq/internal/lock"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	yamlutil "github.com/opengda/beamq/internal/yaml"
)

type jobsFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Queue                 string      `yaml:"queue"`
	List                  string      `yaml:"list"`
	Jobs                  []model.Job `yaml:"jobs"`
}

// YAML stores each list as <dir>/<queue>.<list>.yaml.
type YAML struct {
	dir           string
	quarantineDir string
	locks         *lock.MutexMap
	logger        *logging.Logger
}

func NewYAML(dir, quarantineDir string, logger *logging.Logger) *YAML {
	return &YAML{
		dir:           dir,
		quarantineDir: quarantineDir,
		locks:         lock.NewMutexMap(),
		logger:        logger.With("store"),
	}
}

func (s *YAML) path(queue, list string) string {
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(queue)
	return filepath.Join(s.dir, name+"."+list+".yaml")
}

func (s *YAML) Load(queue, list string) ([]model.Job, error) {
	path := s.path(queue, list)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	jobs, err := s.read(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return cloneJobs(jobs), nil
	}

	s.logger.Warnf("%s unreadable: %v", path, err)
	if rerr := yamlutil.RecoverCorruptedFile(s.quarantineDir, path, yamlutil.FileTypeQueueJobs, s.logger); rerr != nil {
		return nil, fmt.Errorf("recover %s: %w", path, rerr)
	}
	jobs, err = s.read(path)
	if err != nil {
		return nil, fmt.Errorf("load %s after recovery: %w", path, err)
	}
	return cloneJobs(jobs), nil
}

func (s *YAML) read(path string) ([]model.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, yamlutil.FileTypeQueueJobs); err != nil {
		return nil, err
	}
	var f jobsFile
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs: %w", err)
	}
	return f.Jobs, nil
}

func (s *YAML) Save(queue, list string, jobs []model.Job) error {
	path := s.path(queue, list)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	f := jobsFile{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeQueueJobs),
		Queue:        queue,
		List:         list,
		Jobs:         jobs,
	}
	if f.Jobs == nil {
		f.Jobs = []model.Job{}
	}
	if err := yamlutil.AtomicWrite(path, f); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func (s *YAML) Close() error { return nil }
