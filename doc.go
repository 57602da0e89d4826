/*
Package commandfeed documents the commandfeed module.

This module is CLI-first and ships the commandfeed command:

	go install github.com/nuetzliches/commandfeed/cmd/commandfeed@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package commandfeed
