//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore masterauth.UserStore.
// It supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
//   - User: identity records, keyed by user id; bound credentials are
//     embedded as JSON
//   - Email: reserves a normalized email for one user
//   - Credential: maps a WebAuthn credential id to its owner
//
// Lookups by provider id use a query on the User kind and are eventually
// consistent.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	users := gae.NewUserStore(client, "")  // default namespace
package gae
