// Package inventory reads the device list the CLI runs checks against.
package inventory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// Device is one inventory entry. The password is taken from Password, or
// from the environment variable named by PasswordEnv.
type Device struct {
	Name        string `yaml:"name,omitempty"`
	Address     string `yaml:"address"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// Inventory is a device list plus the default commands to capture.
type Inventory struct {
	Defaults struct {
		Username string `yaml:"username,omitempty"`
	} `yaml:"defaults,omitempty"`
	Devices  []Device `yaml:"devices"`
	Commands []string `yaml:"commands,omitempty"`
}

// Load parses an inventory file and validates it.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(util.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	return Parse(data)
}

// Parse decodes inventory YAML and validates it.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory YAML: %w", err)
	}
	for i := range inv.Devices {
		if inv.Devices[i].Username == "" {
			inv.Devices[i].Username = inv.Defaults.Username
		}
	}
	if err := inv.validate(); err != nil {
		return nil, fmt.Errorf("validating inventory: %w", err)
	}
	return &inv, nil
}

func (inv *Inventory) validate() error {
	v := &util.ValidationBuilder{}
	v.Add(len(inv.Devices) > 0, "at least one device is required")
	seen := make(map[string]bool)
	for i, d := range inv.Devices {
		if d.Address == "" {
			v.AddErrorf("device %d: address is required", i)
			continue
		}
		if d.Username == "" {
			v.AddErrorf("device %s: username is required", d.Address)
		}
		if d.Password != "" && d.PasswordEnv != "" {
			v.AddErrorf("device %s: password and password_env are mutually exclusive", d.Address)
		}
		if seen[d.Address] {
			v.AddErrorf("duplicate device: %s", d.Address)
		}
		seen[d.Address] = true
		if d.Name != "" {
			if seen["name:"+d.Name] {
				v.AddErrorf("duplicate device name: %s", d.Name)
			}
			seen["name:"+d.Name] = true
		}
	}
	return v.Build()
}

// Select returns the devices named by addresses or names, in inventory order.
// An empty selection returns every device. Unknown selectors are an error.
func (inv *Inventory) Select(selectors []string) ([]Device, error) {
	if len(selectors) == 0 {
		return inv.Devices, nil
	}
	want := make(map[string]bool, len(selectors))
	for _, s := range selectors {
		want[strings.TrimSpace(s)] = true
	}

	var out []Device
	for _, d := range inv.Devices {
		hit := want[d.Address] || (d.Name != "" && want[d.Name])
		if hit {
			out = append(out, d)
			delete(want, d.Address)
			delete(want, d.Name)
		}
	}
	if len(want) > 0 {
		var unknown []string
		for _, s := range selectors {
			if want[strings.TrimSpace(s)] {
				unknown = append(unknown, s)
			}
		}
		return nil, util.NewValidationError(fmt.Sprintf("unknown devices: %s", strings.Join(unknown, ", ")))
	}
	return out, nil
}

// PasswordPrompt supplies a password that the inventory does not hold.
type PasswordPrompt func(d Device) (string, error)

// Targets resolves credentials for devices. A password missing from both the
// entry and its environment variable is requested from prompt; a nil prompt
// leaves it empty.
func Targets(devices []Device, prompt PasswordPrompt) ([]device.Target, error) {
	targets := make([]device.Target, 0, len(devices))
	for _, d := range devices {
		password := d.Password
		if password == "" && d.PasswordEnv != "" {
			password = os.Getenv(d.PasswordEnv)
		}
		if password == "" && prompt != nil {
			p, err := prompt(d)
			if err != nil {
				return nil, fmt.Errorf("password for %s: %w", d.Address, err)
			}
			password = p
		}
		targets = append(targets, device.Target{
			Address:  d.Address,
			Username: d.Username,
			Password: password,
		})
	}
	return targets, nil
}
