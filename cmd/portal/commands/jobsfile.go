package commands

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/pulse/jobs"
	"github.com/teranos/portal/pulse/schedule"
)

// jobNamespace derives stable job IDs from job names, so re-applying a file
// updates jobs instead of duplicating them
var jobNamespace = uuid.MustParse("6f1c9a52-3d0b-4c55-9a63-2f3e8b7d4a10")

// jobsFile is the TOML document read by "jobs apply":
//
//	organization = "5b0e..."
//
//	[[job]]
//	name    = "hourly rollup dispatch"
//	handler = "rollup.dispatch"
//	payload = { batch = 50 }
//
//	[job.schedule]
//	type             = "periodic"
//	run_at_and_after = 2026-03-10T00:00:00Z
//	period           = "hour"
//	zone             = "Europe/Berlin"
//	offset           = "5m"
type jobsFile struct {
	Organization string    `toml:"organization"`
	Jobs         []jobDef `toml:"job"`
}

type jobDef struct {
	ID       string                 `toml:"id"`
	Name     string                 `toml:"name"`
	Handler  string                 `toml:"handler"`
	Payload  map[string]interface{} `toml:"payload"`
	Schedule scheduleDef           `toml:"schedule"`
}

type scheduleDef struct {
	Type          string     `toml:"type"`
	RunAtAndAfter time.Time  `toml:"run_at_and_after"`
	RunUntil      *time.Time `toml:"run_until"`
	Period        string     `toml:"period"`
	Zone          string     `toml:"zone"`
	Offset        string     `toml:"offset"`
}

// loadJobsFile decodes path, rejecting keys it does not understand
func loadJobsFile(path string) (*jobsFile, error) {
	var f jobsFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.NewConfigurationError("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return &f, nil
}

// organization resolves the owning organization; override wins over the file
func (f *jobsFile) organization(override string) (uuid.UUID, error) {
	raw := f.Organization
	if override != "" {
		raw = override
	}
	return parseOrganization(raw)
}

// build converts every definition, stopping at the first invalid one
func (f *jobsFile) build(now time.Time) ([]*jobs.Job, error) {
	out := make([]*jobs.Job, 0, len(f.Jobs))
	seen := make(map[uuid.UUID]int, len(f.Jobs))
	for i, def := range f.Jobs {
		job, err := def.build(now)
		if err != nil {
			return nil, errors.Wrapf(err, "job #%d", i+1)
		}
		if prev, dup := seen[job.ID]; dup {
			return nil, errors.NewConfigurationError("job #%d has the same id as job #%d", i+1, prev+1)
		}
		seen[job.ID] = i
		out = append(out, job)
	}
	return out, nil
}

func (s jobDef) build(now time.Time) (*jobs.Job, error) {
	id, err := s.id()
	if err != nil {
		return nil, err
	}

	sched, err := s.Schedule.build()
	if err != nil {
		return nil, err
	}

	var payload []byte
	if len(s.Payload) > 0 {
		if payload, err = json.Marshal(s.Payload); err != nil {
			return nil, errors.Wrap(err, "failed to encode payload")
		}
	}

	job := &jobs.Job{
		ID:          id,
		Name:        s.Name,
		HandlerName: s.Handler,
		Payload:     payload,
		Schedule:    sched,
		UpdatedAt:   now,
	}
	return job, job.Validate()
}

func (s jobDef) id() (uuid.UUID, error) {
	if s.ID != "" {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return uuid.Nil, errors.WithSecondaryError(errors.NewConfigurationError("invalid job id %q", s.ID), err)
		}
		return id, nil
	}
	if s.Name == "" {
		return uuid.Nil, errors.NewConfigurationError("a job needs an id or a name")
	}
	return uuid.NewSHA1(jobNamespace, []byte(s.Name)), nil
}

func (s scheduleDef) build() (schedule.Schedule, error) {
	switch schedule.Kind(s.Type) {
	case schedule.KindOneOff:
		sched, err := schedule.NewOneOff(s.RunAtAndAfter, s.RunUntil)
		if err != nil {
			return nil, err
		}
		return sched, nil

	case schedule.KindPeriodic:
		period, err := schedule.ParsePeriod(s.Period)
		if err != nil {
			return nil, err
		}
		var offset time.Duration
		if s.Offset != "" {
			if offset, err = time.ParseDuration(s.Offset); err != nil {
				return nil, errors.WithSecondaryError(errors.NewConfigurationError("invalid offset %q", s.Offset), err)
			}
		}
		sched, err := schedule.NewPeriodic(schedule.PeriodicConfig{
			RunAtAndAfter: s.RunAtAndAfter,
			RunUntil:      s.RunUntil,
			Period:        period,
			Zone:          s.Zone,
			Offset:        offset,
		})
		if err != nil {
			return nil, err
		}
		return sched, nil

	default:
		return nil, errors.NewConfigurationError("unknown schedule type %q (want %s or %s)", s.Type, schedule.KindOneOff, schedule.KindPeriodic)
	}
}

func parseOrganization(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, errors.NewConfigurationError("organization is required (--org or the file's organization key)")
	}
	org, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.WithSecondaryError(errors.NewConfigurationError("invalid organization %q", raw), err)
	}
	return org, nil
}
