//go:build !darwin && !linux

package storage

func filesystemType(string) (string, error) {
	return "", errStatfsUnsupported
}
