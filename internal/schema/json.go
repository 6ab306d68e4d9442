package schema

import (
	"encoding/json"
	"errors"
)

type aggregateAlias ScanAggregate

type aggregateJSON struct {
	*aggregateAlias
	SourceErrors map[Source]string `json:"source_errors"`
}

// MarshalJSON writes source errors as their messages.
func (a *ScanAggregate) MarshalJSON() ([]byte, error) {
	errs := make(map[Source]string, len(a.SourceErrors))
	for src, err := range a.SourceErrors {
		if err != nil {
			errs[src] = err.Error()
		}
	}
	out := aggregateJSON{aggregateAlias: (*aggregateAlias)(a), SourceErrors: errs}
	if out.FindingsByCategory == nil {
		cp := *out.aggregateAlias
		cp.FindingsByCategory = map[Category][]Finding{}
		out.aggregateAlias = &cp
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores source errors as opaque errors carrying the
// recorded message.
func (a *ScanAggregate) UnmarshalJSON(b []byte) error {
	in := aggregateJSON{aggregateAlias: (*aggregateAlias)(a)}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if a.FindingsByCategory == nil {
		a.FindingsByCategory = make(map[Category][]Finding)
	}
	a.SourceErrors = make(map[Source]error, len(in.SourceErrors))
	for src, msg := range in.SourceErrors {
		a.SourceErrors[src] = errors.New(msg)
	}
	return nil
}
