package engine

import sys "golang.org/x/sys/unix"

func currentThreadID() int {
	return sys.Gettid()
}
