// Package config loads the semflow process configuration.
//
// Configuration comes from defaults, zero or more JSON layers, and finally
// SEMFLOW_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.json")
//	loader.AddLayer("config/production.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Layers are deep-merged, so a layer only needs the fields it changes.
// Durations accept Go syntax plus a day suffix ("250ms", "5s", "7d").
//
// # Environment
//
//	SEMFLOW_PLATFORM_ID          platform.id
//	SEMFLOW_ENGINE_WORKERS       engine.workers
//	SEMFLOW_ENGINE_STOP_GRACE    engine.stop_grace
//	SEMFLOW_ENGINE_STOP_TIMEOUT  engine.stop_timeout
//	SEMFLOW_ENGINE_DEPLOY_MODE   engine.deploy_mode
//	SEMFLOW_NATS_URLS            nats.urls (comma separated)
//	SEMFLOW_NATS_USERNAME        nats.username
//	SEMFLOW_NATS_PASSWORD        nats.password
//	SEMFLOW_NATS_TOKEN           nats.token
//	SEMFLOW_METRICS_PORT         metrics.port
//	SEMFLOW_FLOWS_FILE           flows.file
//	SEMFLOW_FLOWS_ENV_FILE       flows.env_file
//
// # NATS TLS
//
// The nats.tls section enables TLS on the NATS connection. The system CA
// bundle is always trusted; ca_files add private CAs, and cert_file with
// key_file presents a client certificate:
//
//	"nats": {
//	  "urls": ["tls://nats.internal:4222"],
//	  "tls": {"enabled": true, "ca_files": ["/etc/semflow/ca.pem"], "min_version": "1.3"}
//	}
//
// # Security
//
// Files must be regular JSON files under 10MB with nesting no deeper than
// 100 levels, and relative paths may not leave the working directory.
package config
