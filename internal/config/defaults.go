package config

// DefaultConfigYAML is written by `opsgate init`. Commented keys show the
// built-in defaults.
const DefaultConfigYAML = `# opsgate configuration
#
# Values not specified here use built-in defaults. Every key can be
# overridden with an OPSGATE_ environment variable, e.g.
# OPSGATE_LEDGER_DRIVER=mysql.

log:
  level: info
  format: auto

# Shared operation ledger. Every process coordinating the same work must
# point at the same ledger.
ledger:
  driver: sqlite
  path: .opsgate/ledger.db
  # dsn: user:pass@tcp(localhost:3306)/opsgate
  # poll_interval: 1s
  watch: true

# Optional cross-process change notification.
notify:
  # redis_addr: localhost:6379
  redis_channel: "opsgate:ledger:changes"

observer:
  history_limit: 20
  # fallback_interval: 3s

reconciler:
  interval: 5s
  stale_after: 10m
  failure_threshold: 3

batch:
  size: 14
  delay: 1s
  rate_per_second: 50
  burst: 50
  heartbeat: 30s

enrich:
  # serper_api_key: ""
  # openrouter_api_key: ""
  model: openai/gpt-4o-mini
  batch_size: 14

server:
  host: 127.0.0.1
  port: 8080
  # cors_origins: ["http://localhost:5173"]
`
