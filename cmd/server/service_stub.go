//go:build !windows

package main

// runService and handleServiceCommand only do anything on Windows; on
// every other platform the gateway always runs in the foreground.

func runService(configPath string) error {
	return nil
}

func handleServiceCommand(args []string) bool {
	return false
}
