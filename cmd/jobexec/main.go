//go:build linux

// Command jobexec is the worker process the scheduler spawns for every
// job. It reads a single JSON-encoded argument object from stdin —
// job_dir, job_type, job_parameters, timeout — through the streaming
// decoder, the same shape and source the reference executor reads off
// its own stdin, and runs it through the wrapper supervisor, which
// pins process identity, enforces the timeout, and writes the result
// file the scheduler reaps on its next tick.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tessia-project/jobscheduler/internal/jsonstream"
	_ "github.com/tessia-project/jobscheduler/internal/machine/echo"
	_ "github.com/tessia-project/jobscheduler/internal/machine/zvmpasswd"
	"github.com/tessia-project/jobscheduler/internal/wrapper"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

func main() {
	cleanupBinary := flag.String("cleanup-binary", "", "path to the jobcleanup handoff executable")
	flag.Parse()

	params, err := readJobArguments(os.Stdin)
	if err != nil {
		logger.Fatal("failed to read job arguments from stdin", "error", err)
	}

	w := wrapper.New(*params, *cleanupBinary)

	if err := w.Run(); err != nil {
		logger.Fatal("wrapper run failed", "error", err)
	}
}

// readJobArguments decodes the single job-argument object a spawner
// writes to the worker's stdin: {job_dir, job_type, job_parameters,
// timeout}. Only the first value on the stream is consumed; a worker
// process never needs more than one job.
func readJobArguments(r *os.File) (*wrapper.Params, error) {
	value, err := jsonstream.NewDecoder(r).Next()
	if err != nil {
		return nil, fmt.Errorf("decoding job argument object: %w", err)
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("job argument object: expected a JSON object, got %T", value)
	}

	runDir, ok := obj["job_dir"].(string)
	if !ok || runDir == "" {
		return nil, fmt.Errorf("job argument object: missing or invalid job_dir")
	}
	jobType, ok := obj["job_type"].(string)
	if !ok || jobType == "" {
		return nil, fmt.Errorf("job argument object: missing or invalid job_type")
	}
	jobParams, ok := obj["job_parameters"].(string)
	if !ok {
		return nil, fmt.Errorf("job argument object: missing or invalid job_parameters")
	}
	timeoutSeconds, ok := obj["timeout"].(float64)
	if !ok {
		return nil, fmt.Errorf("job argument object: missing or invalid timeout")
	}

	return &wrapper.Params{
		RunDir:    runDir,
		JobType:   jobType,
		JobParams: jobParams,
		Timeout:   time.Duration(timeoutSeconds) * time.Second,
	}, nil
}
