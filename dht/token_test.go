package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now()
	tb := NewTokenBuilder(now)
	addr := "1.2.3.4:6881"

	tok := tb.MakeToken(addr, false)
	assert.True(t, tb.TokenMatch(tok, addr))
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	now := time.Now()
	tb := NewTokenBuilder(now)
	addr := "1.2.3.4:6881"

	tok := tb.MakeToken(addr, false)
	tb.Rotate(now.Add(time.Minute))
	assert.True(t, tb.TokenMatch(tok, addr), "token must survive one rotation")
}

func TestTokenInvalidAfterTwoRotations(t *testing.T) {
	now := time.Now()
	tb := NewTokenBuilder(now)
	addr := "1.2.3.4:6881"

	tok := tb.MakeToken(addr, false)
	tb.Rotate(now.Add(time.Minute))
	tb.Rotate(now.Add(2 * time.Minute))
	assert.False(t, tb.TokenMatch(tok, addr), "token must not survive two rotations")
}

func TestRotateIfDueRespectsPeriod(t *testing.T) {
	now := time.Now()
	tb := NewTokenBuilder(now)
	before := tb.current

	tb.RotateIfDue(now.Add(time.Second))
	assert.Equal(t, before, tb.current, "must not rotate before the period elapses")

	tb.RotateIfDue(now.Add(tokenRotationPeriod + time.Second))
	assert.NotEqual(t, before, tb.current, "must rotate once the period elapses")
}
