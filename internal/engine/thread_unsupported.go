//go:build !linux

package engine

// Thread ids are not available here, so CheckThread cannot tell threads apart.
func currentThreadID() int {
	return 0
}
