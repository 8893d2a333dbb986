// Package fleet defines the core types shared across the coordinator: tasks,
// workers, scrape results, the storage interfaces that persist them, and the
// state transition rules that keep both lifecycles consistent. Concrete stores
// live under internal/storage; services that drive the rules live in
// internal/tasks and internal/registry.
package fleet
