package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/config"
)

func TestRetryScheduleResolution(t *testing.T) {
	cases := []struct {
		name         string
		yaml         string
		env          map[string]string
		wantSchedule []int
		wantInterval int
		wantCeiling  int
	}{
		{
			name:         "nothing configured",
			wantSchedule: []int{},
			wantInterval: 300,
			wantCeiling:  3,
		},
		{
			name:         "schedule from file sets the retry ceiling",
			yaml:         "retry_schedule: [30, 60, 300, 900, 3600, 10800, 21600]\n",
			wantSchedule: []int{30, 60, 300, 900, 3600, 10800, 21600},
			wantInterval: 300,
			wantCeiling:  7,
		},
		{
			name:         "environment schedule wins over file",
			yaml:         "retry_schedule: [15, 45, 90]\n",
			env:          map[string]string{"RETRY_SCHEDULE": "45,600,3600,14400"},
			wantSchedule: []int{45, 600, 3600, 14400},
			wantInterval: 300,
			wantCeiling:  4,
		},
		{
			name:         "interval alone keeps the default ceiling",
			yaml:         "retry_interval_seconds: 120\n",
			wantSchedule: []int{},
			wantInterval: 120,
			wantCeiling:  3,
		},
		{
			name:         "schedule beats interval when both are set",
			yaml:         "retry_schedule: [120, 600]\nretry_interval_seconds: 90\n",
			wantSchedule: []int{120, 600},
			wantInterval: 90,
			wantCeiling:  2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := requiredEnv()
			for k, v := range tc.env {
				env[k] = v
			}
			files := map[string][]byte{}
			if tc.yaml != "" {
				files["config.yaml"] = []byte(tc.yaml)
				env["CONFIG"] = "config.yaml"
			}

			cfg, err := config.ParseWithOS(config.Flags{}, &mockOS{files: files, envVars: env})
			require.NoError(t, err)
			assert.Equal(t, tc.wantSchedule, cfg.RetrySchedule)
			assert.Equal(t, tc.wantInterval, cfg.RetryIntervalSeconds)
			assert.Equal(t, tc.wantCeiling, cfg.MaxRetries)
		})
	}
}

func TestRetryScheduleRejectsNonPositiveEntries(t *testing.T) {
	env := requiredEnv()
	env["RETRY_SCHEDULE"] = "60,-5"

	_, err := config.ParseWithOS(config.Flags{}, &mockOS{files: map[string][]byte{}, envVars: env})
	assert.ErrorIs(t, err, config.ErrInvalidRetrySchedule)
}
