// Package config loads the audit daemon's configuration from environment
// variables with defaults for every setting.
//
// Server settings:
//
//	AUDIT_HOST="0.0.0.0"
//	AUDIT_PORT="8080"
//	AUDIT_HEALTH_PORT="9090"
//	AUDIT_MAX_BODY_BYTES="1048576"
//
// Storage settings:
//
//	AUDIT_STORAGE_TYPE="postgres"  # postgres, sqlite, memory
//	AUDIT_POSTGRES_URL="postgres://localhost/audit?sslmode=disable"
//	AUDIT_SQLITE_PATH="/var/lib/audit/audit.db"
//
// Integrity settings:
//
//	AUDIT_SIGNING_KEY="<hex or base64:...>"
//	AUDIT_ENCRYPTION_KEY="<16 or 32 bytes, hex or base64:...>"
//	AUDIT_PLAINTEXT_MODE="false"
//
// Dedup settings:
//
//	AUDIT_DEDUP_BACKEND="memory"  # memory, redis, off
//	AUDIT_DEDUP_WINDOW="2s"
//	AUDIT_DEDUP_FIELDS="actor,action,module,uri,summary,ip"
//	AUDIT_REDIS_URL="redis://localhost:6379/0"
//
// Rules settings:
//
//	AUDIT_RULES_SOURCE="sql"  # sql, file, off
//	AUDIT_RULES_FILE="/etc/audit/rules.yaml"
//	AUDIT_RULES_RELOAD_INTERVAL="1m"
//	AUDIT_DICTIONARY_FILE="/etc/audit/dictionary.yaml"
//
// Forwarding and archive settings:
//
//	AUDIT_WEBHOOK_URL="https://siem.example.com/intake,https://backup.example.com/audit"
//	AUDIT_WEBHOOK_SECRET="..."
//	AUDIT_ARCHIVE_ENABLED="true"
//	AUDIT_S3_BUCKET="audit-archive"
//
// Observability settings:
//
//	AUDIT_LOG_LEVEL="info"  # debug, info, warn, error
//	AUDIT_METRICS_ENABLED="true"
//	AUDIT_OTEL_ENABLED="true"
//	AUDIT_OTEL_ENDPOINT="otel-collector:4317"
package config
