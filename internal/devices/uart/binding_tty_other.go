//go:build !(linux || darwin)

package uart

import "fmt"

func openTTY(path string) (Binding, error) {
	return nil, fmt.Errorf("uart: tty binding %s not supported on this platform", path)
}
