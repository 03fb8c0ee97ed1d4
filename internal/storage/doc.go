package storage

// Package storage persists the forwarder's durable state:
//   - the seen-set of canonical product keys (dedup across restarts)
//   - an append-only log of forwarded messages (operational record)
