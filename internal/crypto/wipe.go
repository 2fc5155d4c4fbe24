package crypto

import "runtime"

// Wipe overwrites each buffer with zeros. Callers use it on shared secrets and
// message keys as soon as they have been fed into a KDF or AEAD.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
	runtime.KeepAlive(bufs)
}
