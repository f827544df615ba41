package cron

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Job is a scheduled task run by the cron worker. Name doubles as the
// distributed lock key, so it must be unique.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Entry pairs a job with a five-field cron expression or a descriptor such
// as @hourly.
type Entry struct {
	Spec string
	Job  Job
}

type Registry struct {
	entries []Entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register schedules job on spec. Schedules are parsed later by NewService.
func (r *Registry) Register(spec string, job Job) error {
	switch {
	case job == nil:
		return errors.New("cron job is nil")
	case spec == "":
		return fmt.Errorf("cron job %s has no schedule", job.Name())
	}
	if slices.ContainsFunc(r.entries, func(e Entry) bool { return e.Job.Name() == job.Name() }) {
		return fmt.Errorf("cron job %s registered twice", job.Name())
	}
	r.entries = append(r.entries, Entry{Spec: spec, Job: job})
	return nil
}

// Entries returns a copy of the entries in registration order.
func (r *Registry) Entries() []Entry {
	return slices.Clone(r.entries)
}
