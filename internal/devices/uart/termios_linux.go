//go:build linux

package uart

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// nearestBaud returns the standard rate closest to baud.
func nearestBaud(baud int) (int, uint32) {
	best, bestCode := 0, uint32(0)
	for rate, code := range baudRates {
		if best == 0 || absDiff(rate, baud) < absDiff(best, baud) {
			best, bestCode = rate, code
		}
	}
	return best, bestCode
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

func setBaud(fd uintptr, baud int) error {
	_, code := nearestBaud(baud)
	termios, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	if err != nil {
		return fmt.Errorf("uart: get termios: %w", err)
	}
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= code
	termios.Ispeed = code
	termios.Ospeed = code
	if err := unix.IoctlSetTermios(int(fd), unix.TCSETS, termios); err != nil {
		return fmt.Errorf("uart: set termios: %w", err)
	}
	return nil
}
