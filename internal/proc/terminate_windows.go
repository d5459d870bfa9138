//go:build windows

package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// exit code reported by GetExitCodeProcess for running processes
const stillActive = 259

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func terminate(pid int) error {
	if !alive(pid) {
		return ErrProcessDone
	}
	out, err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		if !alive(pid) {
			return ErrProcessDone
		}
		return fmt.Errorf("taskkill: %w: %s", err, out)
	}
	return nil
}

func alive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		// exists, but belongs to someone we cannot inspect
		return true
	}
	if err != nil {
		return false
	}
	defer func() {
		_ = windows.CloseHandle(h)
	}()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
