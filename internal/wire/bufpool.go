package wire

import "sync"

// bufPool recycles the scratch buffers Serialize uses while
// marshaling outbound frames, sized in classes the way a busy session
// produces them: most frames are small (acks, subs, deletes), a minority
// carry full document bodies. Adapted from the teacher's
// pkg/websocket/message_pool.go size-classed sync.Pool; the unsafe
// zero-copy string/byte casts from that file are dropped here because the
// resulting bytes are handed off across a goroutine boundary (serializing
// caller -> network handler's write pump) where that aliasing would be
// unsound.
type bufPool struct {
	small  sync.Pool // 256 B
	medium sync.Pool // 1 KiB
	large  sync.Pool // 8 KiB
}

func newBufPool() *bufPool {
	return &bufPool{
		small:  sync.Pool{New: func() interface{} { b := make([]byte, 0, 256); return &b }},
		medium: sync.Pool{New: func() interface{} { b := make([]byte, 0, 1024); return &b }},
		large:  sync.Pool{New: func() interface{} { b := make([]byte, 0, 8192); return &b }},
	}
}

func (p *bufPool) get(sizeHint int) *[]byte {
	switch {
	case sizeHint <= 256:
		return p.small.Get().(*[]byte)
	case sizeHint <= 1024:
		return p.medium.Get().(*[]byte)
	default:
		return p.large.Get().(*[]byte)
	}
}

func (p *bufPool) put(buf *[]byte) {
	*buf = (*buf)[:0]
	switch cap(*buf) {
	case 256:
		p.small.Put(buf)
	case 1024:
		p.medium.Put(buf)
	default:
		p.large.Put(buf)
	}
}

var sharedBufPool = newBufPool()
