//go:build windows

package secret

// Windows ACLs are not inspected; the key lives under the user's profile.
func checkPermissions(path string) error {
	return nil
}
