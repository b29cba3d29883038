//go:build !unix

package backup

type sessionGuard struct{}

// AcquireGuard is a no-op where flock is unavailable; recording proceeds
// without the guard.
func (l *Log) AcquireGuard() func() {
	return func() {}
}
