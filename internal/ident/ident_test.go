package ident

import (
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstellationID_Parts(t *testing.T) {
	c := NewConstellationID(3, 9)
	assert.Equal(t, uint32(3), c.Node())
	assert.Equal(t, uint32(9), c.Local())
	assert.Equal(t, "CID:3:9", c.String())
}

func TestAllocator_NeverReuses(t *testing.T) {
	a := NewAllocator(5)
	seen := make(map[ConstellationID]bool)
	for i := 0; i < 100; i++ {
		c := a.Next()
		assert.Equal(t, uint32(5), c.Node())
		assert.NotZero(t, c.Local())
		assert.False(t, seen[c], "%s issued twice", c)
		seen[c] = true
	}
}

func TestActivityID_EqualIgnoresExpectsEvents(t *testing.T) {
	origin := NewConstellationID(1, 2)
	a := ActivityID{Origin: origin, Seq: 42, ExpectsEvents: true}
	b := ActivityID{Origin: origin, Seq: 42, ExpectsEvents: false}

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	table := map[Key]string{a.Key(): "first"}
	table[b.Key()] = "second"
	assert.Len(t, table, 1, "same (origin, seq) must collapse to one key")
}

func TestActivityID_DistinctOriginOrSeq(t *testing.T) {
	a := ActivityID{Origin: NewConstellationID(1, 2), Seq: 1}
	assert.False(t, a.Equal(ActivityID{Origin: NewConstellationID(1, 3), Seq: 1}))
	assert.False(t, a.Equal(ActivityID{Origin: NewConstellationID(1, 2), Seq: 2}))
}

func TestActivityID_ParseRoundTrip(t *testing.T) {
	a := ActivityID{Origin: NewConstellationID(0xab, 0xcd), Seq: 0x1234}
	got, err := ParseActivityID(a.String())
	require.NoError(t, err)
	assert.True(t, a.Equal(got))
}

func TestParseActivityID_Rejects(t *testing.T) {
	for _, s := range []string{"", "AID: 1:2", "CID:1:2:3", "AID: x:1:1", "AID: 1:1:zz"} {
		_, err := ParseActivityID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestMinter_UniqueUnderConcurrency(t *testing.T) {
	alloc := NewAllocator(0)
	minters := []*Minter{NewMinter(alloc.Next()), NewMinter(alloc.Next()), NewMinter(alloc.Next())}

	const perGoroutine = 500
	var (
		mu   sync.Mutex
		seen = make(map[Key]bool)
		wg   sync.WaitGroup
	)
	for _, m := range minters {
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(m *Minter) {
				defer wg.Done()
				for i := 0; i < perGoroutine; i++ {
					id := m.Next(i%2 == 0)
					mu.Lock()
					if seen[id.Key()] {
						t.Errorf("duplicate identifier %s", id)
					}
					seen[id.Key()] = true
					mu.Unlock()
				}
			}(m)
		}
	}
	wg.Wait()

	assert.Len(t, seen, len(minters)*4*perGoroutine)
}

func TestMinter_StampsOrigin(t *testing.T) {
	origin := NewConstellationID(7, 1)
	m := NewMinter(origin)
	first := m.Next(true)
	second := m.Next(false)

	assert.Equal(t, origin, first.Origin)
	assert.True(t, first.ExpectsEvents)
	assert.False(t, second.ExpectsEvents)
	assert.Less(t, first.Seq, second.Seq)
	assert.Equal(t, uint32(7), second.Node())
}

func TestIdentifierText_Golden(t *testing.T) {
	lines := []string{
		NewConstellationID(0, 1).String(),
		NewConstellationID(2, 7).String(),
		ActivityID{Origin: NewConstellationID(0, 1), Seq: 1}.String(),
		ActivityID{Origin: NewConstellationID(2, 7), Seq: 255, ExpectsEvents: true}.String(),
		ActivityID{Origin: NewConstellationID(math.MaxUint32, math.MaxUint32), Seq: math.MaxInt64}.String(),
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "identifier_text", []byte(strings.Join(lines, "\n")+"\n"))
}
