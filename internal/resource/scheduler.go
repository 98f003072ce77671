package resource

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

// Scheduler identifies a batch system.
type Scheduler string

const (
	PBS Scheduler = "pbs"
	OAR Scheduler = "oar"
)

// oarsh replaces ssh inside an OAR job.
const oarShell = "oarsh"

type schedulerVars struct {
	kind     Scheduler
	nodeFile string
	jobID    string
	jobName  string
}

var schedulers = []schedulerVars{
	{kind: PBS, nodeFile: "PBS_NODEFILE", jobID: "PBS_JOBID", jobName: "PBS_JOBNAME"},
	{kind: OAR, nodeFile: "OAR_NODEFILE", jobID: "OAR_JOB_ID", jobName: "OAR_JOB_NAME"},
}

// Job is the allocation of the scheduler job the controller runs in.
type Job struct {
	Scheduler Scheduler
	ID        string
	Name      string
	names     NameSet
}

// DetectJob looks for a PBS or OAR job in the environment. It returns nil
// when the process does not run inside a job.
func DetectJob(lookup func(string) (string, bool), readFile func(string) ([]byte, error)) (*Job, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	for _, v := range schedulers {
		id, ok := lookup(v.jobID)
		if !ok || id == "" {
			continue
		}
		job := &Job{Scheduler: v.kind, ID: id}
		job.Name, _ = lookup(v.jobName)
		if path, ok := lookup(v.nodeFile); ok && path != "" {
			data, err := readFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", v.nodeFile, err)
			}
			if job.names, err = ParseNames(bytes.NewReader(data)); err != nil {
				return nil, err
			}
		}
		return job, nil
	}
	return nil, nil
}

// AllNames is every allocated node, duplicates removed.
func (j *Job) AllNames() NameSet { return j.names }

// SlaveNames is every allocated node but the master.
func (j *Job) SlaveNames() NameSet { return j.names.Rest() }

// MasterName is the first allocated node, where the job script runs.
func (j *Job) MasterName() (string, bool) { return j.names.First() }

// ShellCommand is the remote shell the scheduler requires inside the job, or
// empty for plain ssh.
func (j *Job) ShellCommand() string {
	if j.Scheduler == OAR {
		return oarShell
	}
	return ""
}

// BookNodes hands out the job's allocation, master first.
func (j *Job) BookNodes(_ context.Context, req Request) (NameSet, error) {
	return book(j.names, req)
}

func (j *Job) String() string {
	return fmt.Sprintf("%s job %s %s", j.Scheduler, j.ID, j.names)
}
