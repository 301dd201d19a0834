package crypto

import (
	"crypto/rand"
	"io"
	"sync"
)

// 随机源默认走 crypto/rand。IV 和填充字节理论上随机与否不影响安全性，
// 但测试向量要求随机源可注入。
var (
	randMu     sync.RWMutex
	randSource io.Reader = rand.Reader
)

// SetRandSource 替换全局随机源（测试用），返回恢复函数
func SetRandSource(r io.Reader) func() {
	randMu.Lock()
	prev := randSource
	randSource = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSource = prev
		randMu.Unlock()
	}
}

// RandReader 获取当前随机源
func RandReader() io.Reader {
	randMu.RLock()
	defer randMu.RUnlock()
	return randSource
}

// RandomBytes 从当前随机源读取 n 字节
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(RandReader(), b)
	return b, err
}

// Zeroize 就地清零密钥材料
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
