package core

import (
	"os"
	"strings"
)

var localSuffixes = []string{".localhost", ".local", ".lokal"}

func stringExists(s string, slice []string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

func CreateDir(path string, perm os.FileMode) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, perm)
		if err != nil {
			return err
		}
	}
	return nil
}

// isLocalDomain reports whether the domain carries one of the suffixes that
// never get public certificates.
func isLocalDomain(domain string) bool {
	for _, sfx := range localSuffixes {
		if strings.HasSuffix(domain, sfx) {
			return true
		}
	}
	return false
}

// isWildcardCovered reports whether the domain sits under one of the
// configured wildcard roots. The root itself is not covered.
func isWildcardCovered(domain string, roots []string) bool {
	for _, root := range roots {
		if strings.HasSuffix(domain, "."+root) {
			return true
		}
	}
	return false
}
