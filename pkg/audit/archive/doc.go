// Package archive copies audit chains to S3-compatible object storage before
// they are purged. Each chain becomes one NDJSON object whose metadata
// carries a SHA-256 checksum, the record count and the head signature, so an
// archived chain can later be fetched and re-verified offline.
package archive
