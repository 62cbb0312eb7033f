//go:build !linux

package backup

func getImmutable(string) (bool, error) {
	return false, ErrUnsupported
}

func setImmutable(string, bool) error {
	return ErrUnsupported
}
