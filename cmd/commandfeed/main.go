// Command commandfeed runs the privacy command feed.
//
// Agents poll the feed for leased privacy commands, checkpoint their
// progress, and request replays of past commands.
//
// Install:
//
//	go install github.com/nuetzliches/commandfeed/cmd/commandfeed@latest
//
// Usage:
//
//	commandfeed run --config ./Commandfeedfile --db ./.data/commandfeed.db
package main

import (
	"os"

	"github.com/nuetzliches/commandfeed/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
