package roster_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/heartbeat"
	"github.com/classnet/classnet/internal/roster"
)

func pid(name string, port int) exchange.ParticipantID {
	return exchange.ParticipantID{Name: name, Port: port}
}

func TestUpsertAndSnapshot(t *testing.T) {
	r := roster.New()
	now := time.Now()

	r.Upsert(pid("b", 2), false, now)
	r.Upsert(pid("a", 1), true, now)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, pid("a", 1), snap[0].ID)
	assert.True(t, snap[0].Teacher)
	assert.Equal(t, heartbeat.StateAlive, snap[0].State)
}

func TestUpsertKeepsLatestSeen(t *testing.T) {
	r := roster.New()
	now := time.Now()

	r.Upsert(pid("a", 1), false, now)
	r.Upsert(pid("a", 1), false, now.Add(-time.Minute))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].LastSeen.Equal(now))
}

func TestSetLiveness(t *testing.T) {
	r := roster.New()
	r.Upsert(pid("a", 1), false, time.Now())

	r.SetLiveness(pid("a", 1), heartbeat.StateSuspected)
	assert.Equal(t, heartbeat.StateSuspected, r.Snapshot()[0].State)

	// Unknown participants are ignored.
	r.SetLiveness(pid("ghost", 9), heartbeat.StateDead)
	assert.Len(t, r.Snapshot(), 1)
}

func TestEnrollmentDeduplicated(t *testing.T) {
	r := roster.New()

	assert.True(t, r.MarkEnrolled(pid("a", 1)))
	assert.False(t, r.MarkEnrolled(pid("a", 1)))
	assert.True(t, r.IsEnrolled(pid("a", 1)))
	assert.False(t, r.IsEnrolled(pid("b", 2)))
	assert.Equal(t, 1, r.EnrolledCount())
}

func TestFirstBallotWins(t *testing.T) {
	r := roster.New()

	assert.True(t, r.MarkVoted(pid("a", 1), []byte("option-1")))
	assert.False(t, r.MarkVoted(pid("a", 1), []byte("option-2")))
	assert.Equal(t, 1, r.VotedCount())

	ballots := r.Ballots()
	require.Len(t, ballots, 1)
	assert.Equal(t, []byte("option-1"), ballots[pid("a", 1)])
}

func TestBallotsAreCopied(t *testing.T) {
	r := roster.New()
	ballot := []byte("choice")
	r.MarkVoted(pid("a", 1), ballot)

	// Mutating the caller's slice must not affect stored ballots.
	ballot[0] = 'X'
	assert.Equal(t, []byte("choice"), r.Ballots()[pid("a", 1)])

	// Mutating a returned copy must not affect stored ballots either.
	out := r.Ballots()
	out[pid("a", 1)][0] = 'Y'
	assert.Equal(t, []byte("choice"), r.Ballots()[pid("a", 1)])
}

func TestRemove(t *testing.T) {
	r := roster.New()
	r.MarkVoted(pid("a", 1), []byte("x"))

	r.Remove(pid("a", 1))
	assert.Empty(t, r.Snapshot())
	assert.Empty(t, r.Ballots())
}
