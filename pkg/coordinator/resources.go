package coordinator

import (
	"fmt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

// Action names what is about to happen to a resource. REASSIGN moves
// the charge between projects without changing the total.
type Action string

const (
	ActionBuild    Action = "BUILD"
	ActionDestroy  Action = "DESTROY"
	ActionReassign Action = "REASSIGN"
)

// Resource describes a chargeable entity. Implementations are the fixed
// set below; the unexported method seals the interface.
type Resource interface {
	// Amounts returns the resource-name to quantity mapping charged
	// when the entity is built.
	Amounts() map[string]int64
	// Holder is the user charged.
	Holder() string
	// Project is the source the charge draws from.
	Project() string

	resource()
}

// Diskspace charges stored bytes for an account under a project.
type Diskspace struct {
	Account     string
	ProjectName string
	Bytes       int64
}

func (d Diskspace) Amounts() map[string]int64 {
	return map[string]int64{"amphora.diskspace": d.Bytes}
}
func (d Diskspace) Holder() string  { return d.Account }
func (d Diskspace) Project() string { return d.ProjectName }
func (d Diskspace) resource()       {}

// VM charges a virtual machine's footprint.
type VM struct {
	Account     string
	ProjectName string
	CPU         int64
	RAM         int64
	Disk        int64
}

func (v VM) Amounts() map[string]int64 {
	return map[string]int64{
		"amphora.vm":   1,
		"amphora.cpu":  v.CPU,
		"amphora.ram":  v.RAM,
		"amphora.disk": v.Disk,
	}
}
func (v VM) Holder() string  { return v.Account }
func (v VM) Project() string { return v.ProjectName }
func (v VM) resource()       {}

// Network charges a private network.
type Network struct {
	Account     string
	ProjectName string
}

func (n Network) Amounts() map[string]int64 {
	return map[string]int64{"amphora.network.private": 1}
}
func (n Network) Holder() string  { return n.Account }
func (n Network) Project() string { return n.ProjectName }
func (n Network) resource()       {}

// IPAddress charges a floating IP.
type IPAddress struct {
	Account     string
	ProjectName string
}

func (ip IPAddress) Amounts() map[string]int64 {
	return map[string]int64{"amphora.floating_ip": 1}
}
func (ip IPAddress) Holder() string  { return ip.Account }
func (ip IPAddress) Project() string { return ip.ProjectName }
func (ip IPAddress) resource()       {}

// Volume charges a detachable disk.
type Volume struct {
	Account     string
	ProjectName string
	Size        int64
}

func (v Volume) Amounts() map[string]int64 {
	return map[string]int64{"amphora.volume.size": v.Size}
}
func (v Volume) Holder() string  { return v.Account }
func (v Volume) Project() string { return v.ProjectName }
func (v Volume) resource()       {}

// ProvisionsFor computes the provision list a commission must carry for
// an action on a resource. REASSIGN needs the target project; the result
// imports into the target and releases from the current project.
func ProvisionsFor(r Resource, action Action, toProject string) ([]types.Provision, error) {
	switch action {
	case ActionBuild:
		return signedProvisions(r, r.Project(), 1), nil
	case ActionDestroy:
		return signedProvisions(r, r.Project(), -1), nil
	case ActionReassign:
		if toProject == "" {
			return nil, faults.New(faults.BadRequest, "reassign requires a target project")
		}
		if toProject == r.Project() {
			return nil, nil
		}
		out := signedProvisions(r, toProject, 1)
		return append(out, signedProvisions(r, r.Project(), -1)...), nil
	default:
		return nil, faults.New(faults.BadRequest, "unknown action %q", action)
	}
}

func signedProvisions(r Resource, project string, sign int64) []types.Provision {
	amounts := r.Amounts()
	out := make([]types.Provision, 0, len(amounts))
	for name, quantity := range amounts {
		out = append(out, types.Provision{
			Holder:   r.Holder(),
			Source:   project,
			Resource: name,
			Quantity: sign * quantity,
		})
	}
	return out
}

// Describe renders a resource for commission names and log lines.
func Describe(r Resource, action Action) string {
	return fmt.Sprintf("%s %T holder=%s project=%s", action, r, r.Holder(), r.Project())
}
