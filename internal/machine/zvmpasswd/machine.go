// Package zvmpasswd implements a job type that rotates a shared guest
// credential across a list of systems. Its parameters carry the current
// and new passwords in cleartext, so it implements machine.Prefilterer
// and machine.Recombiner to keep those two fields out of the persisted
// job row entirely.
package zvmpasswd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tessia-project/jobscheduler/internal/machine"
)

const description = "z/VM guest password update"

func init() {
	machine.Register("zvm_passwd", New)
}

type request struct {
	Systems        []systemRef `json:"systems"`
	CurrentPasswd  string      `json:"current_passwd,omitempty"`
	NewPasswd      string      `json:"new_passwd,omitempty"`
	Requester      string      `json:"requester,omitempty"`
}

type systemRef struct {
	Name string `json:"name"`
}

// secrets is the extra payload Prefilter hands back opaquely; the
// scheduler passes it through unchanged to Recombine just before spawn.
type secrets struct {
	CurrentPasswd string `json:"current_passwd"`
	NewPasswd     string `json:"new_passwd"`
}

// Machine rotates the guest password on every named system.
type Machine struct {
	req        request
	cleaningUp bool
}

// New constructs a Machine and parses its request immediately, so a
// malformed request fails fast at submission time.
func New(paramsText string) (machine.Machine, error) {
	m := &Machine{}
	if _, err := m.Parse(paramsText); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse implements machine.Machine.
func (m *Machine) Parse(content string) (machine.ParseResult, error) {
	req, err := decodeRequest(content)
	if err != nil {
		return machine.ParseResult{}, err
	}
	m.req = req

	exclusive := make([]string, 0, len(req.Systems))
	for _, sys := range req.Systems {
		exclusive = append(exclusive, sys.Name)
	}
	resources := machine.Resources{Exclusive: exclusive}

	return machine.ParseResult{Resources: resources, Description: description}, nil
}

func decodeRequest(content string) (request, error) {
	var req request
	if err := json.Unmarshal([]byte(content), &req); err != nil {
		return request{}, fmt.Errorf("invalid request parameters: %w", err)
	}
	if len(req.Systems) == 0 {
		return request{}, fmt.Errorf("at least one system must be specified")
	}
	for _, sys := range req.Systems {
		if sys.Name == "" {
			return request{}, fmt.Errorf("system entry missing a name")
		}
	}
	return req, nil
}

// Prefilter implements machine.Prefilterer: it strips the current and
// new password fields out of the persisted parameter text.
func (m *Machine) Prefilter(paramsText string) (string, string, error) {
	req, err := decodeRequest(paramsText)
	if err != nil {
		return "", "", err
	}

	extra := secrets{CurrentPasswd: req.CurrentPasswd, NewPasswd: req.NewPasswd}
	extraText, err := json.Marshal(extra)
	if err != nil {
		return "", "", fmt.Errorf("marshal prefiltered secrets: %w", err)
	}

	req.CurrentPasswd = ""
	req.NewPasswd = ""
	strippedText, err := json.Marshal(req)
	if err != nil {
		return "", "", fmt.Errorf("marshal stripped parameters: %w", err)
	}

	return string(strippedText), string(extraText), nil
}

// Recombine implements machine.Recombiner: it merges the password fields
// back into the stripped parameter text just before spawn.
func (m *Machine) Recombine(strippedText string, extraText string) (string, error) {
	if extraText == "" {
		return strippedText, nil
	}

	req, err := decodeRequest(strippedText)
	if err != nil {
		return "", err
	}
	var extra secrets
	if err := json.Unmarshal([]byte(extraText), &extra); err != nil {
		return "", fmt.Errorf("unmarshal prefiltered secrets: %w", err)
	}
	req.CurrentPasswd = extra.CurrentPasswd
	req.NewPasswd = extra.NewPasswd

	out, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal recombined parameters: %w", err)
	}
	return string(out), nil
}

// Start implements machine.Machine. The actual hypervisor credential
// rotation is external to the core; this only demonstrates the resource
// and credential-handling contract the scheduler depends on.
func (m *Machine) Start(ctx context.Context) (int, error) {
	for _, sys := range m.req.Systems {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if m.req.CurrentPasswd == "" || m.req.NewPasswd == "" {
			return 0, fmt.Errorf("password rotation for %s: credentials were not recombined before spawn", sys.Name)
		}
	}
	return 0, nil
}

// Cleanup implements machine.Machine. Password rotation has no partial
// state to undo: either a given system's rotation committed or it did
// not, so cleanup is a no-op that only marks the machine as settled.
func (m *Machine) Cleanup(ctx context.Context) (int, error) {
	m.cleaningUp = true
	return 0, nil
}

// CleaningUp implements machine.Machine.
func (m *Machine) CleaningUp() bool {
	return m.cleaningUp
}
