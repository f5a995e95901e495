//go:build !unix

package codecache

// Without mmap the cache is ordinary heap memory: fragments can be laid
// out, patched and inspected but not executed.
func mapExecutable(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmap(buf []byte) error { return nil }
