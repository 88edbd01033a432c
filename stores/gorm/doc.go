//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based masterauth.UserStore.
// It is tested against PostgreSQL but uses only portable GORM features
// apart from the jsonb column for credential transports.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: identity records
//   - webauthn_credentials: bound authenticators, keyed by credential id
//
// # Usage
//
//	db, _ := gormstore.Open(dsn)
//	_ = gormstore.AutoMigrate(db)
//	users := gormstore.NewUserStore(db)
package gorm
