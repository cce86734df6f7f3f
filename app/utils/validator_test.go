package utils

import (
	"testing"

	"fleet-svc/app/domains"
	"fleet-svc/app/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStructReportsFieldNames(t *testing.T) {
	req := dto.CreateMachineRequest{Name: "host", IPAddress: "not-an-ip", SSHUser: "root"}

	err := ValidateStruct(&req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domains.ErrValidation)
	assert.Contains(t, err.Error(), "ip_address")
}

func TestValidatePayloadShapes(t *testing.T) {
	cases := []struct {
		name     string
		taskType domains.TaskType
		payload  map[string]interface{}
		wantErr  bool
	}{
		{"scale ok", domains.TaskScaleUp, map[string]interface{}{"ram_mb": 4096, "cpu_cores": 2}, false},
		{"scale ram too low", domains.TaskScaleUp, map[string]interface{}{"ram_mb": 512, "cpu_cores": 2}, true},
		{"scale missing cpu", domains.TaskScaleDown, map[string]interface{}{"ram_mb": 4096}, true},
		{"install ok", domains.TaskInstall, map[string]interface{}{"game_type": "minecraft"}, false},
		{"install missing game", domains.TaskInstall, map[string]interface{}{}, true},
		{"lifecycle empty ok", domains.TaskStart, map[string]interface{}{}, false},
		{"lifecycle timeout bad", domains.TaskStop, map[string]interface{}{"timeout_sec": 100000}, true},
		{"backup ok", domains.TaskBackup, map[string]interface{}{"name": "nightly"}, false},
		{"unknown type", domains.TaskType("EXPLODE"), map[string]interface{}{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(dto.TaskPayloadRegistry, tc.taskType, tc.payload)
			if tc.wantErr {
				assert.ErrorIs(t, err, domains.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
