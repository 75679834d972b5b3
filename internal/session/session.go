// Package session persists the signed-in anonymous identity of a device so
// it survives process restarts. Records live in Redis when available and in
// process memory otherwise.
package session
