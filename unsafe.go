package leafdb

import "unsafe"

// unsafeAdd returns a pointer to the start of p's body, i.e. the address
// one would cast to *meta, *[N]leafPageElement, or *[N]pgid depending on
// the page's flags.
func unsafeAdd(p *page) unsafe.Pointer {
	return unsafe.Pointer(&p.ptr)
}

// pageFromBuf casts a page-sized byte buffer to *page without copying.
// buf must be at least pageHeaderSize bytes and must outlive the returned
// pointer (it is either mmap-backed or a dirty-page buffer owned by a Tx).
func pageFromBuf(buf []byte) *page {
	return (*page)(unsafe.Pointer(&buf[0]))
}

// byteSliceToString avoids an allocation when a []byte key only needs to
// be compared, not retained, as a string.
func byteSliceToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}
