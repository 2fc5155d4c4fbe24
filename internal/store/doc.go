// Package store implements the domain storage interfaces on the local
// filesystem under the client's home directory.
//
// Small documents (sessions, ratchets, prekeys, relay tokens) are JSON files
// that are re-read on every call and replaced atomically on write. The
// identity and the vault are sealed under the passphrase: scrypt derives the
// key and XChaCha20-Poly1305 seals each file, with the file's id as
// associated data so blobs cannot be swapped. CachedVault puts a go-cache
// read cache in front of any domain.Vault.
package store
