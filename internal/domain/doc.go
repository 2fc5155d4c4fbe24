// Package domain defines core data models and interfaces shared across the app.
// It contains plain types (wire/state) and contracts (interfaces) only.
//
// The contracts the runtime consumes from outside are CryptoSession (session
// establishment and encryption), Vault (blob storage) and Presenter (UI
// notifications).
package domain
