// Package integrity protects the event journal with a tamper-evident chain.
//
// Each stored event carries a content hash, its predecessor's chain hash and
// its own chain hash. When a keyring is configured the chain hash is also
// signed with an HMAC key derived per subject, so a rewritten journal cannot
// be re-chained without the root key.
package integrity
