// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	fake := Fake(epoch)
	assert.True(t, fake.Now().Equal(epoch))

	fake.Advance(5 * time.Second)
	assert.True(t, fake.Now().Equal(epoch.Add(5*time.Second)))
}

func TestFakeAfterFiresOnlyWhenDue(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(3 * time.Second)

	fake.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncRunsSynchronously(t *testing.T) {
	fake := Fake(epoch)
	var calls atomic.Int32
	fake.AfterFunc(time.Second, func() { calls.Add(1) })

	require.Equal(t, 1, fake.PendingCount())
	fake.Advance(time.Second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, fake.PendingCount())

	fake.Advance(time.Hour)
	assert.Equal(t, int32(1), calls.Load(), "one-shot timer fired twice")
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(epoch)
	var calls atomic.Int32
	timer := fake.AfterFunc(time.Second, func() { calls.Add(1) })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	fake.Advance(time.Minute)
	assert.Zero(t, calls.Load())
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		fake.Advance(10 * time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	fired := make(chan struct{})
	go func() {
		<-fake.After(time.Minute)
		close(fired)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine never woke")
	}
}
