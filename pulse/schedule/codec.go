package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/portal/errors"
)

// document is the stored form of a schedule
type document struct {
	Type          Kind       `json:"type"`
	RunAtAndAfter time.Time  `json:"run_at_and_after"`
	RunUntil      *time.Time `json:"run_until,omitempty"`
	Period        Period     `json:"period,omitempty"`
	Zone          string     `json:"zone,omitempty"`
	Offset        string     `json:"offset,omitempty"` // Go duration, e.g. "15m"
}

// Marshal encodes a schedule as tagged JSON
func Marshal(s Schedule) ([]byte, error) {
	if s == nil {
		return nil, errors.NewConfigurationError("cannot marshal nil schedule")
	}

	doc := document{
		Type:          s.Kind(),
		RunAtAndAfter: s.RunAtAndAfter(),
		RunUntil:      s.RunUntil(),
	}
	if p, ok := s.(*Periodic); ok {
		doc.Period = p.period
		doc.Zone = p.zone.String()
		if p.offset != 0 {
			doc.Offset = p.offset.String()
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal schedule")
	}
	return data, nil
}

// Unmarshal decodes tagged JSON and runs the same validation as the
// constructors, so a bad stored schedule fails here and not in NextRun.
func Unmarshal(data []byte) (Schedule, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.WithSecondaryError(errors.NewConfigurationError("malformed schedule document"), err)
	}

	switch doc.Type {
	case KindOneOff:
		return NewOneOff(doc.RunAtAndAfter, doc.RunUntil)
	case KindPeriodic:
		var offset time.Duration
		if doc.Offset != "" {
			d, err := time.ParseDuration(doc.Offset)
			if err != nil {
				return nil, errors.WithSecondaryError(errors.NewConfigurationError("malformed offset %q", doc.Offset), err)
			}
			offset = d
		}
		return NewPeriodic(PeriodicConfig{
			RunAtAndAfter: doc.RunAtAndAfter,
			RunUntil:      doc.RunUntil,
			Period:        doc.Period,
			Zone:          doc.Zone,
			Offset:        offset,
		})
	}
	return nil, errors.NewConfigurationError("unknown schedule type %q", doc.Type)
}
