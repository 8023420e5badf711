package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(5*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestFake_AfterZeroIsImmediate(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should be ready")
	}
}

func TestFake_TickerReschedules(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	for i := 1; i <= 3; i++ {
		c.Advance(time.Second)
		select {
		case got := <-tk.C:
			assert.Equal(t, epoch.Add(time.Duration(i)*time.Second), got)
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFake_StoppedTickerIsSilent(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestFake_SetIgnoresBackwards(t *testing.T) {
	c := Fake(epoch)
	c.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch, c.Now())
}
