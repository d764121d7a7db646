package scheduler

import (
	"fmt"
	"sort"

	"github.com/c360studio/octopoid/config"
)

// Pool tracks the running instances of one agent blueprint. The
// blueprint persists across ticks; instances come and go with each
// spawned subprocess.
type Pool struct {
	Blueprint config.Blueprint

	running map[string]*Instance
}

// NewPool creates an empty pool for a blueprint.
func NewPool(bp config.Blueprint) *Pool {
	return &Pool{
		Blueprint: bp,
		running:   make(map[string]*Instance),
	}
}

// Idle returns how many more instances the pool may spawn.
func (p *Pool) Idle() int {
	idle := p.Blueprint.MaxInstances - len(p.running)
	if idle < 0 {
		return 0
	}
	return idle
}

// Running returns the number of live instance records.
func (p *Pool) Running() int {
	return len(p.running)
}

// FreeSlot returns the lowest unoccupied slot name for this pool.
func (p *Pool) FreeSlot() string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s-%d", p.Blueprint.Name, n)
		if _, used := p.running[name]; !used {
			return name
		}
	}
}

// Add records an instance under its slot name.
func (p *Pool) Add(inst *Instance) {
	p.running[inst.Name] = inst
}

// Remove drops an instance record by slot name.
func (p *Pool) Remove(name string) {
	delete(p.running, name)
}

// Instances returns the running records in stable slot order.
func (p *Pool) Instances() []*Instance {
	names := make([]string, 0, len(p.running))
	for name := range p.running {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Instance, 0, len(names))
	for _, name := range names {
		out = append(out, p.running[name])
	}
	return out
}

// HasTask reports whether the pool already tracks an instance for a
// task id.
func (p *Pool) HasTask(taskID string) bool {
	for _, inst := range p.running {
		if inst.TaskID == taskID {
			return true
		}
	}
	return false
}

// buildPools creates one pool per blueprint, ordered for claiming:
// lower Priority numbers claim first, ties broken by name so claim
// order is deterministic.
func buildPools(agents *config.AgentsFile) []*Pool {
	pools := make([]*Pool, 0, len(agents.Agents))
	for _, bp := range agents.Agents {
		pools = append(pools, NewPool(bp))
	}
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].Blueprint.Priority != pools[j].Blueprint.Priority {
			return pools[i].Blueprint.Priority < pools[j].Blueprint.Priority
		}
		return pools[i].Blueprint.Name < pools[j].Blueprint.Name
	})
	return pools
}
