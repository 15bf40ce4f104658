package verify

import (
	"strings"

	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/policy"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// AcceptedMessage accompanies every successfully dispatched phase.
const AcceptedMessage = "accepted, processing"

// PrecheckRequest starts a new batch.
type PrecheckRequest struct {
	Devices   []device.Target `json:"devices"`
	Commands  []string        `json:"commands"`
	CreatedBy string          `json:"created_by,omitempty"`
}

// PostcheckRequest replays a batch's precheck commands on some or all of its
// devices. Credentials are supplied again; they are never persisted.
type PostcheckRequest struct {
	Devices   []device.Target `json:"devices"`
	CreatedBy string          `json:"created_by,omitempty"`
}

// DeviceStart is the initial state of one device in a dispatched phase.
type DeviceStart struct {
	DeviceAddress string            `json:"device_ip"`
	CheckID       string            `json:"check_id"`
	Status        model.CheckStatus `json:"status"`
}

// StartResult is returned by StartPrecheck and StartPostcheck before any
// device work has run.
type StartResult struct {
	BatchID string            `json:"batch_id"`
	Status  model.BatchStatus `json:"status"`
	Message string            `json:"message"`
	Devices []DeviceStart     `json:"devices"`
}

// validatePrecheck returns the trimmed commands to run, or a
// *util.ValidationError. Unsafe commands are reported before anything else.
func validatePrecheck(req PrecheckRequest) ([]string, error) {
	res := policy.Validate(req.Commands)
	if !res.OK() {
		util.WithOperation("precheck").WithField("user", req.CreatedBy).
			Warnf("Invalid commands detected: %s", strings.Join(res.Rejected, ", "))
		return nil, res.Err()
	}

	v := &util.ValidationBuilder{}
	v.Add(len(res.Accepted) > 0, "at least one command is required")
	seen := make(map[string]bool, len(res.Accepted))
	for _, c := range res.Accepted {
		if seen[c] {
			v.AddErrorf("duplicate command: %s", c)
		}
		seen[c] = true
	}
	validateDevices(v, req.Devices)
	if err := v.Build(); err != nil {
		return nil, err
	}
	return res.Accepted, nil
}

func validateDevices(v *util.ValidationBuilder, devices []device.Target) {
	v.Add(len(devices) > 0, "at least one device is required")
	seen := make(map[string]bool, len(devices))
	for i, d := range devices {
		addr := strings.TrimSpace(d.Address)
		if addr == "" {
			v.AddErrorf("device %d: address is required", i)
			continue
		}
		if strings.TrimSpace(d.Username) == "" {
			v.AddErrorf("device %s: username is required", addr)
		}
		if seen[addr] {
			v.AddErrorf("duplicate device: %s", addr)
		}
		seen[addr] = true
	}
}

// normalizeTargets trims addresses and usernames; passwords are left as given.
func normalizeTargets(devices []device.Target) []device.Target {
	out := make([]device.Target, len(devices))
	for i, d := range devices {
		out[i] = device.Target{
			Address:  strings.TrimSpace(d.Address),
			Username: strings.TrimSpace(d.Username),
			Password: d.Password,
		}
	}
	return out
}
