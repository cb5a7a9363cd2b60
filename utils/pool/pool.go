package pool

// 매 주기마다 채널 수만큼의 big-endian 페이로드 버퍼가 만들어지고, 인코딩 직후 버려진다.
// 매번 새로운 메모리를 할당하는 대신 미리 잡아둔 슬랩을 잘라서 나눠준다.
// 슬랩이 모자라면 새 슬랩을 잡는다. 이전 슬랩을 참조하던 슬라이스는 GC 가 정리한다.

type Pool struct {
	pos  int    // 현재 슬랩에서 사용된 위치(오프셋)
	size int    // 슬랩 크기
	buf  []byte // 미리 할당된 슬랩
}

// 기본 슬랩 크기. 500 kb
const maxpoolsize = 500 * 1024

// Get returns a size-byte slice carved from the current slab. Requests larger
// than the slab get their own allocation.
func (pool *Pool) Get(size int) []byte {
	if size > pool.size {
		return make([]byte, size)
	}
	if pool.size-pool.pos < size {
		pool.pos = 0
		pool.buf = make([]byte, pool.size)
	}
	b := pool.buf[pool.pos : pool.pos+size : pool.pos+size]
	pool.pos += size
	return b
}

func NewPool() *Pool {
	return NewPoolSize(maxpoolsize)
}

func NewPoolSize(size int) *Pool {
	return &Pool{
		size: size,
		buf:  make([]byte, size),
	}
}
