// Package message sends encrypted payloads to peers and groups.
//
// Every send is encrypted through the CryptoSession and handed to the relay
// transport as a binary envelope, a volatile frame or one multicast frame
// per group message. Envelopes above the chunk size leave as msg_fragment
// frames. Messages the user wrote are echoed into the conversation store and
// move from sending to sent, or to failed.
package message
