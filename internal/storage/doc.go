package storage

// Package storage is the persistence layer for the control loop:
//
//   - Bandit arm statistics, keyed by (arm_type, arm_id)
//   - Per-video metric records, keyed by external video id
//   - A mirror of content plan status for pending-share accounting
//   - Named singleton records (optimizer state, cooldown, policy overrides)
//   - The run log, the loop's sole audit surface
