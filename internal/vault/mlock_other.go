//go:build !linux && !darwin

package vault

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
