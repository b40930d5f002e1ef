// Package privileged wraps the file I/O performed by the downloader in a
// scope that, on a platform with a security manager, would run with
// elevated permissions. Go has no equivalent of a JVM SecurityManager,
// so Run is a direct passthrough; the wrapper stays in place so callers
// don't need to change if a sandboxing mechanism is added later.
package privileged

// Run executes fn as if inside a privileged scope.
func Run(fn func() error) error {
	return fn()
}
