package utils

import (
	"testing"
	"time"
)

func TestLeakCheckPassesWhenGoroutinesExit(t *testing.T) {
	check := LeakCheck(t, 2*time.Second)

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	}()
	<-done

	check()
}
