package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	yamlutil "github.com/opengda/beamq/internal/yaml"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// InboxJob is the YAML document dropped into the inbox to submit a job.
// Writers should create it under a dot-prefixed name and rename it into
// place; dotfiles are ignored.
type InboxJob struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Queue                 string        `yaml:"queue,omitempty"`
	Name                  string        `yaml:"name"`
	User                  string        `yaml:"user,omitempty"`
	Spec                  model.JobSpec `yaml:"spec"`
}

// NewInboxJob wraps a job for the inbox.
func NewInboxJob(queue string, job model.Job) InboxJob {
	return InboxJob{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeInboxJob),
		Queue:        queue,
		Name:         job.Name,
		User:         job.User,
		Spec:         job.Spec,
	}
}

// ParseInboxJob validates an inbox document and returns the job it submits.
func ParseInboxJob(content []byte) (InboxJob, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeInboxJob); err != nil {
		return InboxJob{}, err
	}
	var doc InboxJob
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return InboxJob{}, fmt.Errorf("parse inbox job: %w", err)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return InboxJob{}, errors.New("inbox job has no name")
	}
	return doc, nil
}

type dispatchFunc func(ctx context.Context, env command.Envelope) (command.Envelope, error)

// inbox turns YAML files created in dir into SUBMIT_JOB commands, addressed
// to queue unless the file names one. Accepted files move to dir/processed,
// unusable ones to dir/rejected.
type inbox struct {
	dir      string
	queue    string
	dispatch dispatchFunc
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
}

func newInbox(dir, queue string, dispatch dispatchFunc, logger *logging.Logger) (*inbox, error) {
	for _, d := range []string{dir, filepath.Join(dir, processedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &inbox{dir: dir, queue: queue, dispatch: dispatch, watcher: watcher, logger: logger.With("inbox")}, nil
}

// run scans files already present, then processes new ones until ctx ends.
func (in *inbox) run(ctx context.Context) error {
	defer in.watcher.Close()

	in.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				in.handle(ctx, event.Name)
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (in *inbox) scan(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Errorf("scan inbox: %v", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		in.handle(ctx, filepath.Join(in.dir, name))
	}
}

func isInboxFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (in *inbox) handle(ctx context.Context, path string) {
	if filepath.Dir(path) != filepath.Clean(in.dir) || !isInboxFile(path) {
		return
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return // already processed
	}
	if err != nil {
		in.logger.Warnf("read %s: %v", path, err)
		return
	}

	doc, err := ParseInboxJob(content)
	if err != nil {
		in.reject(path, err)
		return
	}

	job := model.NewJob(doc.Name, doc.Spec)
	job.User = doc.User
	queue := doc.Queue
	if queue == "" {
		queue = in.queue
	}
	env := command.Encode(command.ForQueue(queue), command.SubmitJob{Job: job}, "submitted from inbox "+filepath.Base(path))

	reply, err := in.dispatch(ctx, env)
	switch {
	case ctx.Err() != nil:
		return // shutting down; the file is picked up on the next start
	case err != nil:
		in.reject(path, err)
		return
	case reply.Failed():
		in.reject(path, errors.New(reply.ErrorMessage))
		return
	}

	dest := filepath.Join(in.dir, processedDir, job.ID+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		in.logger.Errorf("move %s to processed: %v", path, err)
		return
	}
	in.logger.Infof("submitted job %s (%s) from %s", job.ID, job.Name, filepath.Base(path))
}

func (in *inbox) reject(path string, cause error) {
	dest, err := yamlutil.Quarantine(filepath.Join(in.dir, rejectedDir), path)
	if err != nil {
		in.logger.Errorf("reject %s: %v (cause: %v)", path, err, cause)
		return
	}
	in.logger.Warnf("rejected %s as %s: %v", filepath.Base(path), dest, cause)
}
