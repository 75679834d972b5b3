// Package commands implements the leaderboard CLI: one-shot anonymous
// session bootstrap and the HTTP service.
package commands
