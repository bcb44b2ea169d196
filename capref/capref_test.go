package capref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver struct {
	contains map[uintptr]bool
	live     map[uintptr]bool
}

func (f fakeResolver) Contains(addr uintptr) bool { return f.contains[addr] }
func (f fakeResolver) LiveAt(addr uintptr) bool   { return f.live[addr] }

func TestRefAddressAndOffset(t *testing.T) {
	r := New(0x1000, 64, PermitReadWrite)
	assert.Equal(t, uintptr(0x1000), r.Address())
	r2 := r.SetOffset(8)
	assert.Equal(t, uintptr(0x1008), r2.Address())
	assert.Equal(t, uintptr(0x1000), r.Address(), "SetOffset must not mutate the receiver")
}

func TestRefContains(t *testing.T) {
	r := New(0x2000, 0x100, PermitReadWrite)
	assert.True(t, r.Contains(0x2000))
	assert.True(t, r.Contains(0x20ff))
	assert.False(t, r.Contains(0x2100))
	assert.False(t, r.Contains(0x1fff))
}

func TestRefHasPermission(t *testing.T) {
	r := New(0, 8, PermitReadOnly)
	assert.True(t, r.HasPermission(PermitLoad))
	assert.False(t, r.HasPermission(PermitStore))
}

func TestRefIsValid(t *testing.T) {
	res := fakeResolver{contains: map[uintptr]bool{0x3000: true}}
	valid := New(0x3000, 16, PermitReadWrite)
	invalid := New(0x4000, 16, PermitReadWrite)
	assert.True(t, valid.IsValid(res))
	assert.False(t, invalid.IsValid(res))
}

func TestRefIsValidRejectsNull(t *testing.T) {
	res := fakeResolver{contains: map[uintptr]bool{0: true}}
	r := New(0, 16, PermitReadWrite)
	assert.False(t, r.IsValid(res), "a null address is never a valid reference regardless of the resolver")
}
