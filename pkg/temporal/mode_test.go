package temporal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronograph/qstore/pkg/quad"
)

func TestCurrentMatchesOnlyOpenInterval(t *testing.T) {
	c := NewCurrent()
	open := quad.Payload{ValidFrom: 10, ValidTo: quad.Forever}
	closed := quad.Payload{ValidFrom: 10, ValidTo: 20}

	require.True(t, c.Matches(open, 100))
	require.False(t, c.Matches(closed, 100))
	require.False(t, c.Matches(open, 5))
}

func TestAsOfMatchesIntervalContainingInstant(t *testing.T) {
	c := NewAsOf(15)
	require.True(t, c.Matches(quad.Payload{ValidFrom: 10, ValidTo: 20}, 0))
	require.False(t, c.Matches(quad.Payload{ValidFrom: 10, ValidTo: 15}, 0))
	require.False(t, c.Matches(quad.Payload{ValidFrom: 16, ValidTo: 20}, 0))
}

func TestDuringMatchesOverlappingIntervals(t *testing.T) {
	c, err := NewDuring(10, 20)
	require.NoError(t, err)

	require.True(t, c.Matches(quad.Payload{ValidFrom: 15, ValidTo: 25}, 0))
	require.True(t, c.Matches(quad.Payload{ValidFrom: 0, ValidTo: 12}, 0))
	require.False(t, c.Matches(quad.Payload{ValidFrom: 20, ValidTo: 30}, 0))
	require.False(t, c.Matches(quad.Payload{ValidFrom: 0, ValidTo: 10}, 0))
}

func TestNewDuringRejectsEmptyInterval(t *testing.T) {
	_, err := NewDuring(20, 20)
	require.Error(t, err)

	_, err = NewDuring(20, 10)
	require.Error(t, err)
}

func TestAllVersionsMatchesEverything(t *testing.T) {
	c := NewAllVersions()
	require.True(t, c.Matches(quad.Payload{ValidFrom: 0, ValidTo: 1}, 999))
	require.True(t, c.Matches(quad.Payload{ValidFrom: 500, ValidTo: quad.Forever}, -1))
}

func TestLessOrdersByValidFromThenTx(t *testing.T) {
	a := quad.Payload{ValidFrom: 10, Tx: 5}
	b := quad.Payload{ValidFrom: 10, Tx: 6}
	c := quad.Payload{ValidFrom: 20, Tx: 1}

	require.True(t, Less(a, b))
	require.False(t, Less(b, a))
	require.True(t, Less(a, c))
	require.False(t, Less(c, a))
}
