//go:build windows

package app

import "golang.org/x/sys/windows"

// processExists opens pid and checks that its handle is not yet signaled.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}

	handle, err := windows.OpenProcess(windows.SYNCHRONIZE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	ev, err := windows.WaitForSingleObject(handle, 0)
	if err != nil {
		return false
	}
	return ev != windows.WAIT_OBJECT_0
}
