package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLSetSeenAndExpiry(t *testing.T) {
	s := NewTTLSet(50 * time.Millisecond)

	assert.False(t, s.Seen("ord-1"))
	s.Add("ord-1")
	assert.True(t, s.Seen("ord-1"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, s.Seen("ord-1"), "expired entry must read as unseen")
}

func TestTTLSetAddRefreshesExpiry(t *testing.T) {
	s := NewTTLSet(100 * time.Millisecond)

	s.Add("ord-1")
	time.Sleep(60 * time.Millisecond)
	s.Add("ord-1")
	time.Sleep(60 * time.Millisecond)

	assert.True(t, s.Seen("ord-1"))
}

func TestTTLSetSweep(t *testing.T) {
	s := NewTTLSet(10 * time.Millisecond)

	s.Add("ord-1")
	s.Add("ord-2")
	assert.Equal(t, 2, s.Len())

	time.Sleep(30 * time.Millisecond)
	s.Add("ord-3")

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Seen("ord-3"))
}
