// Package secretstore reads (and, where possible, writes) the client secret
// used for the client-credentials grant.
//
// Supports three storage backends with different security and deployment tradeoffs:
//   - Env: Read-only environment variable access (CI secrets, the default)
//   - File: Local filesystem storage with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
package secretstore
