package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opentransit/gridbroker/internal/broker/core"
)

// FileAssembler buffers a job's per-task results in a scratch file, one
// JSON record per line. It stands in for the full grid assembler: the
// buffer file is the partial artifact exposed while the job runs, and it is
// removed exactly once when the assembler terminates.
type FileAssembler struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	terminated bool
}

type resultRecord struct {
	TaskIndex int    `json:"task_index"`
	Data      []byte `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewFileAssembler(dir, jobID string) (*FileAssembler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, jobID+".results")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating result buffer for job %s: %w", jobID, err)
	}
	return &FileAssembler{file: f, path: path}, nil
}

func (a *FileAssembler) HandleResult(res core.WorkResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return fmt.Errorf("assembler for %s already terminated", res.JobID)
	}
	rec := resultRecord{TaskIndex: res.TaskIndex, Data: res.Data, Error: res.Error}
	if err := json.NewEncoder(a.file).Encode(rec); err != nil {
		return fmt.Errorf("buffering result for task %d: %w", res.TaskIndex, err)
	}
	return nil
}

// Terminate closes and removes the buffer file. Safe to call more than
// once; only the first call does any work.
func (a *FileAssembler) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return nil
	}
	a.terminated = true
	closeErr := a.file.Close()
	if err := os.Remove(a.path); err != nil {
		return fmt.Errorf("removing result buffer %s: %w", a.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("closing result buffer %s: %w", a.path, closeErr)
	}
	return nil
}

func (a *FileAssembler) BufferSnapshot() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return "", false
	}
	return a.path, true
}

// Factory returns an AssemblerFactory writing buffers under dir.
func Factory(dir string) core.AssemblerFactory {
	return func(template core.TemplateTask, tags core.WorkerTags) (core.Assembler, error) {
		return NewFileAssembler(dir, template.JobID)
	}
}
