//go:build windows

package app

import "golang.org/x/sys/windows"

// STILL_ACTIVE
const stillActive = 259

func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()

	var code uint32
	return windows.GetExitCodeProcess(h, &code) == nil && code == stillActive
}
