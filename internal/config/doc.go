// Package config handles configuration loading for coven-scheduler.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. The package provides validation and sensible defaults for
// every knob the scheduling core consults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Database (subagent run persistence, §4.F):
//
//	database:
//	  path: "/var/lib/coven/scheduler.db"
//
// Agent defaults (priority queue, auth cache, coalescer, archival sweep):
//
//	agents:
//	  defaults:
//	    maxConcurrentSessions: 16
//	    authCache:
//	      ttlMs: 300000
//	      maxSize: 50
//	    coalesce:
//	      enabled: true
//	      windowMs: 1500
//	      maxMessages: 10
//	    subagents:
//	      archiveAfterMinutes: 60
//
// Providers (auth profile resolution order and cooldown, §4.D):
//
//	providers:
//	  anthropic:
//	    profiles:
//	      - id: primary
//	        cooldownSeconds: 30
//	      - id: backup
//	        cooldownSeconds: 60
//
// Cron (named "cron" lane concurrency, §6):
//
//	cron:
//	  maxConcurrentRuns: 1
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/scheduler.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
