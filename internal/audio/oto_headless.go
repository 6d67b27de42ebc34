//go:build headless

package audio

import "errors"

func openOto() (Backend, error) {
	return nil, errors.New("audio: oto backend not built into headless binaries")
}
