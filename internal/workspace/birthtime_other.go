//go:build !linux

package workspace

import "time"

func birthTime(_ string, fallback time.Time) time.Time {
	return fallback
}
