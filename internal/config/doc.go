/*
Package config loads and validates trajcache configuration.

Configuration is layered: compiled-in defaults (NewDefault), then a YAML file
(LoadFromFile), then TRAJCACHE_* environment variables (LoadFromEnv).
Validate checks the merged result and Derive turns it into the configuration
of every component, so defaults are applied once at startup.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/trajcache/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	components, err := cfg.Derive()

Sizes accept human-readable values such as "256MB" or "2GB"; durations use Go
syntax ("30s", "1h"). Schedules accept cron expressions, descriptors such as
"@hourly", or durations.

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9464
	  component_levels:
	    scheduler: WARN
	cache:
	  max_memory_bytes: 512MB
	  max_entry_age: 1h
	  auto_resize: true
	  write_behind:
	    flush_interval: 5s
	storage:
	  backend: filesystem
	  directory: /var/lib/trajcache
	  max_disk_bytes: 4GB
	  compression: zstd
	schedule:
	  analysis: 30s
	  compaction: "@every 10m"
	  integrity: "@hourly"
	  health: 15s
	  repair_on_sweep: true
*/
package config
