// Package integrity provides tamper evidence and confidentiality for audit
// records.
//
// # Hash chain
//
// Each record's signature is HMAC-SHA256(key, previous ++ HMAC-SHA256(key,
// payload)), where previous is the signature of the preceding record in the
// same chain and payload is audit.CanonicalPayload. Recomputing the chain
// from its first record reproduces every stored signature; changing or
// removing any record breaks every later one.
//
// # Payload encryption
//
// Cipher seals sensitive bytes with AES-GCM (128 or 256-bit keys) under a
// fresh 96-bit IV per call. The 128-bit tag travels with the ciphertext.
//
// # Verification
//
// Verifier walks a chain and reports findings instead of failing fast, so a
// single pass lists every damaged record.
package integrity
