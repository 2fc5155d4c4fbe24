package types

// RelaySession is the session token a relay issued to this identity.
// A token is only stored after it was delivered over an authenticated
// connection.
type RelaySession struct {
	ServerURL string `json:"server_url"`
	Identity  PeerID `json:"identity_hash"`
	Token     string `json:"session_token"`
}
