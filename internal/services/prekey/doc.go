// Package prekey manages signed prekeys and one-time prekeys for X3DH bootstrap.
//
// It rotates the current signed prekey, replenishes the one-time pool and
// assembles the bundle the relay directory serves to initiators.
package prekey
