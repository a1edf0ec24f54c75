//go:build windows

package logfile

import "fmt"

// redirect is not supported on Windows.
func redirect(path string) error {
	return fmt.Errorf("log file redirect not supported on Windows")
}
