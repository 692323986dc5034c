// Package main provides the voxloop CLI.
//
// Usage:
//
//	voxloop [flags] <command> [args]
//
// Commands:
//
//	chat    - Hands-free voice conversation from the terminal
//	serve   - Run the websocket bridge server
//	health  - Check the exchange service
//
// The chat command needs ffmpeg (mic capture) and ffplay (playback)
// on PATH. Environment variables can be supplied via a .env file in
// the working directory.
package main

import (
	"fmt"
	"os"

	"github.com/voxloop/voxloop/cmd/voxloop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
