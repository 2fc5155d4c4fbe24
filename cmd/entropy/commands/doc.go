// Package commands defines the entropy CLI.
//
// Commands
//
//   - init         Create the local identity
//   - fingerprint  Print the identity fingerprint and address
//   - register     Publish your prekey bundle, optionally claim a nickname
//   - listen       Stay connected and print incoming messages
//   - send         Encrypt and send a message or file
//   - call         Place a voice or video call
//
// # Configuration
//
// The root command loads the TOML config (see app.LoadConfig), then applies
// the persistent flags on top, before any subcommand runs.
package commands
