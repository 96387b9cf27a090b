package cryptoutils

import "sync"

// SecretBytes owns a buffer of secret key material and zeroes it on
// Destroy. Destroy is idempotent and safe to defer on every path.
type SecretBytes struct {
	mu  sync.Mutex
	buf []byte
}

// NewSecretBytes allocates a zeroed secret buffer of length n.
func NewSecretBytes(n int) *SecretBytes {
	return &SecretBytes{buf: make([]byte, n)}
}

// SecretBytesFrom takes ownership of b. The caller must not retain b.
func SecretBytesFrom(b []byte) *SecretBytes {
	return &SecretBytes{buf: b}
}

// CopySecretBytes copies b into a new secret buffer, leaving b untouched.
func CopySecretBytes(b []byte) *SecretBytes {
	s := NewSecretBytes(len(b))
	copy(s.buf, b)
	return s
}

// Bytes exposes the underlying buffer. It returns nil after Destroy.
func (s *SecretBytes) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Len returns the buffer length, 0 once destroyed.
func (s *SecretBytes) Len() int {
	return len(s.Bytes())
}

// Destroy zeroes and releases the buffer.
func (s *SecretBytes) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.buf = nil
}

// Destroyed reports whether Destroy has been called.
func (s *SecretBytes) Destroyed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf == nil
}

// WithSecret allocates an n byte scratch buffer, passes it to fn and zeroes
// it when fn returns, whatever the outcome.
func WithSecret(n int, fn func(buf []byte) error) error {
	s := NewSecretBytes(n)
	defer s.Destroy()
	return fn(s.Bytes())
}
