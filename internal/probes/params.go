package probes

import (
	"fmt"
	"net/url"
	"sort"
)

// defaultParam is injected when the target carries no query parameters.
const defaultParam = "q"

// injectionPoint is a target URL with one query parameter replaced.
type injectionPoint struct {
	Param string
	URL   string
}

// injectionPoints substitutes payload into each query parameter of
// target in turn. Without parameters, payload goes into defaultParam.
func injectionPoints(target, payload string) ([]injectionPoint, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}

	q := u.Query()
	params := make([]string, 0, len(q))
	for p := range q {
		params = append(params, p)
	}
	sort.Strings(params)
	if len(params) == 0 {
		params = []string{defaultParam}
	}

	out := make([]injectionPoint, 0, len(params))
	for _, p := range params {
		mod := url.Values{}
		for k, v := range q {
			mod[k] = append([]string(nil), v...)
		}
		mod.Set(p, payload)
		cp := *u
		cp.RawQuery = mod.Encode()
		out = append(out, injectionPoint{Param: p, URL: cp.String()})
	}
	return out, nil
}
