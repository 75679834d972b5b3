package main

import (
	"os"

	"github.com/whisper/leaderboard/cmd/leaderboard/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
