// vf-agent — VirtFleet hypervisor execution agent
//
// A single binary that pairs with the VirtFleet control plane, advertises
// liveness, long-polls its per-agent command queue, and executes queued
// infrastructure commands against Proxmox-compatible hypervisors over their
// HTTP API or SSH.
package main

import "github.com/virtfleet-io/vf-agent/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
