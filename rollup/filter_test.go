package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRollupMetric(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"requests_per_sec_1h", true},
		{"requests_per_sec_1d", true},
		{"requests_per_sec", false},
		{"requests_per_sec_1m", false},
		{"requests_per_sec_10h", false},
		{"_1h", true},
		{"cpu_1h_total", false},
		{"latency_p99_1d", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRollupMetric(tt.name))
		})
	}
}

func TestCandidates(t *testing.T) {
	got := Candidates([]string{"mem", "cpu_1h", "cpu", "mem", "disk", "cpu_1d", "cpu"})
	assert.Equal(t, []string{"mem", "cpu", "disk"}, got)
	assert.Empty(t, Candidates(nil))
}
