// Package catalog maps action codes to their module and operation defaults.
//
// The catalog is built once at startup from the built-in table, optionally
// extended by a YAML file, and is read-only afterwards. Lookups that miss
// return false; callers fall back to the overrides carried by the draft.
package catalog
