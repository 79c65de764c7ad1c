// internal/registry/registry_test.go
package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(userID uuid.UUID) *Connection {
	return &Connection{
		ID:          uuid.New(),
		UserID:      userID,
		ConnectedAt: time.Now(),
	}
}

func TestAddRemoveSingleConnection(t *testing.T) {
	r := New(logrus.New())
	userID := uuid.New()
	c := testConn(userID)

	first := r.Add(c)
	assert.True(t, first, "first connection should report the zero-to-one transition")
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, c, got)

	removedUser, last := r.Remove(c.ID)
	assert.Equal(t, userID, removedUser)
	assert.True(t, last, "removing the only connection should report the one-to-zero transition")
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.ForUser(userID))
}

func TestMultiDeviceUser(t *testing.T) {
	r := New(logrus.New())
	userID := uuid.New()
	c1 := testConn(userID)
	c2 := testConn(userID)

	assert.True(t, r.Add(c1))
	assert.False(t, r.Add(c2), "second device should not re-trigger the online transition")
	assert.Equal(t, 2, r.CountForUser(userID))

	_, last := r.Remove(c1.ID)
	assert.False(t, last, "user still has a sibling connection")
	require.Len(t, r.ForUser(userID), 1)
	assert.Equal(t, c2.ID, r.ForUser(userID)[0].ID)

	_, last = r.Remove(c2.ID)
	assert.True(t, last)
	assert.Equal(t, 0, r.CountForUser(userID))
}

func TestRemoveUnknownConnectionIsNoop(t *testing.T) {
	r := New(logrus.New())
	r.Add(testConn(uuid.New()))

	userID, last := r.Remove(uuid.New())
	assert.Equal(t, uuid.Nil, userID)
	assert.False(t, last)
	assert.Equal(t, 1, r.Len())
}

func TestForUserIsolation(t *testing.T) {
	r := New(logrus.New())
	alice := uuid.New()
	bob := uuid.New()
	r.Add(testConn(alice))
	r.Add(testConn(alice))
	r.Add(testConn(bob))

	assert.Len(t, r.ForUser(alice), 2)
	assert.Len(t, r.ForUser(bob), 1)
	assert.Empty(t, r.ForUser(uuid.New()))
}
