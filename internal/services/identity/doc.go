// Package identity creates and unlocks the device's long-term keys. The
// routing id other peers address us by is derived from the X25519 public
// key, so it is stable for the life of the identity.
package identity
