// Package chat holds conversation state: messages and their delivery status,
// peer profiles, groups and the block list. It is loop-confined and persists
// a debounced snapshot to the Vault.
package chat
