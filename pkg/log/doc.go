/*
Package log provides the broker's structured logging, a thin wrapper
around zerolog giving every component a JSON (or console, for local
development) logger scoped to its name.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (zerolog.Logger)                           │
	│  - Initialized once via log.Init() in cmd/broker           │
	│  - Config: Level, JSONOutput, Output (io.Writer)           │
	│                     │                                      │
	│  Component Loggers: log.WithComponent("allocator")        │
	│  log.WithComponent("cleanup_loop") / ("sync_loop") / ...   │
	│                     │                                      │
	│  Request-scoped: log.WithOwner(owner), WithSandboxID(id)   │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	allocLog := log.WithComponent("allocator")
	allocLog.Info().Str("owner", owner).Msg("candidate scan")
	allocLog.Error().Err(err).Msg("conditional_allocate failed")

Conditional-mismatch on a claim attempt is ordinary control flow, not an
error: the allocator counts each one in a metric and does not log it.
Only an allocation that collides on every candidate logs, as one Warn
line.

# Fields

Component loggers set "component" (main, allocator, admin, httpapi,
sync_loop, cleanup_loop, expiry_loop). The releaser's expired-release
line and owner-scoped HTTP access lines use WithSandboxID and WithOwner
instead, which carry "sandbox_id" or "owner" and no "component". Per-call
fields are added with the field's own name: "owner", "sandbox_id",
"status". Never log the
bearer tokens in pkg/config or request owner-supplied idempotency keys
verbatim if they could carry PII in a given deployment — this package
does not redact automatically, it is the caller's responsibility.
*/
package log
