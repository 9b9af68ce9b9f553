//go:build windows

package store

import (
	"fmt"
	"os"
	"time"
)

const (
	lockWait     = 30 * time.Second
	staleLockAge = 2 * time.Minute
)

func lockFile(path string) (func(), error) {
	excl := path + ".excl"
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(excl, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(excl) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("open lock %s: %w", excl, err)
		}
		if info, statErr := os.Stat(excl); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(excl)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", excl, lockWait)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
