package rollup

import "regexp"

// rollupMetricRE matches names discovery itself produces (hourly and daily
// rollups). Feeding them back in would roll up the rollups.
// TODO: derive the pattern from the configured rollup periods once periods
// other than 1h and 1d exist.
var rollupMetricRE = regexp.MustCompile(`^.*_1[hd]$`)

// IsRollupMetric reports whether name is rollup output rather than a raw metric
func IsRollupMetric(name string) bool {
	return rollupMetricRE.MatchString(name)
}

// Candidates drops rollup output and duplicates from names, keeping the
// order of first appearance
func Candidates(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if IsRollupMetric(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
