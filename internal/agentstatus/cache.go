// Package agentstatus caches per-agent runtime counters reported over the
// wire or derived from dispatch events. Purely in-memory; rebuilt from
// status_report frames after a restart.
package agentstatus

import (
	"sync"
	"time"
)

// Status holds the runtime counters for one agent.
type Status struct {
	RunningTasks   int
	CompletedCount int
	CurrentTaskID  string
	IdleSince      time.Time
	UpdatedAt      time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	agents map[string]*Status
}

func New() *Cache {
	return &Cache{agents: make(map[string]*Status)}
}

func (c *Cache) get(agentName string) *Status {
	st, ok := c.agents[agentName]
	if !ok {
		st = &Status{}
		c.agents[agentName] = st
	}
	return st
}

// Apply overwrites the reported counters for agentName. Used for
// status_report frames, which are authoritative for the agent side.
func (c *Cache) Apply(agentName string, running int, currentTaskID string, idleSince time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(agentName)
	st.RunningTasks = running
	st.CurrentTaskID = currentTaskID
	st.IdleSince = idleSince
	st.UpdatedAt = time.Now().UTC()
}

// TaskStarted bumps the running counter when the hub dispatches a task.
func (c *Cache) TaskStarted(agentName, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(agentName)
	st.RunningTasks++
	st.CurrentTaskID = taskID
	st.IdleSince = time.Time{}
	st.UpdatedAt = time.Now().UTC()
}

// TaskFinished decrements running and bumps the completed counter. Called
// for every terminal outcome, successful or not.
func (c *Cache) TaskFinished(agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(agentName)
	if st.RunningTasks > 0 {
		st.RunningTasks--
	}
	st.CompletedCount++
	if st.RunningTasks == 0 {
		st.CurrentTaskID = ""
		st.IdleSince = time.Now().UTC()
	}
	st.UpdatedAt = time.Now().UTC()
}

// Get returns a copy of the counters for agentName.
func (c *Cache) Get(agentName string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.agents[agentName]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Forget drops the entry for agentName. Called when a credential is revoked.
func (c *Cache) Forget(agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, agentName)
}
