package ev

import (
	"testing"
	"time"
)

func TestRequestCheckForTimeoutFiresOnce(t *testing.T) {
	req := &Request{Timeout: 10 * time.Millisecond}
	now := time.Now()
	req.ArmTimeout(now)

	var fired int
	req.OnTimeout = func(*Request) { fired++ }

	req.CheckForTimeout(now)
	if fired != 0 {
		t.Fatalf("expected no fire before deadline, got %d", fired)
	}

	past := now.Add(11 * time.Millisecond)
	req.CheckForTimeout(past)
	req.CheckForTimeout(past)
	if fired != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired)
	}
}

func TestRequestCheckForTimeoutNoTimeoutConfigured(t *testing.T) {
	req := &Request{}
	req.ArmTimeout(time.Now())
	req.OnTimeout = func(*Request) { t.Fatal("should never fire") }
	req.CheckForTimeout(time.Now().Add(time.Hour))
}

func TestRequestRearmResetsFireGuard(t *testing.T) {
	req := &Request{Timeout: time.Millisecond}
	now := time.Now()
	req.ArmTimeout(now)
	req.CheckForTimeout(now.Add(time.Hour))

	var fired bool
	req.Rearm(time.Millisecond, func(*Request) { fired = true })
	req.ArmTimeout(now)
	req.CheckForTimeout(now.Add(time.Hour))
	if !fired {
		t.Fatal("expected Rearm to allow the timeout to fire again")
	}
}

func TestRequestCancelTimeoutSuppressesFire(t *testing.T) {
	req := &Request{Timeout: time.Millisecond}
	now := time.Now()
	req.ArmTimeout(now)
	req.OnTimeout = func(*Request) { t.Fatal("should not fire once cancelled") }
	req.CancelTimeout()
	req.CheckForTimeout(now.Add(time.Hour))
}

func TestRequestCorrelationAndCompletion(t *testing.T) {
	req := &Request{}
	req.SetCorrelation(42, 7)
	if req.InvokeID() != 42 || req.Tag() != 7 {
		t.Fatalf("got invoke=%d tag=%d", req.InvokeID(), req.Tag())
	}
	if req.Completed() {
		t.Fatal("expected not completed initially")
	}
	req.MarkCompleted()
	if !req.Completed() {
		t.Fatal("expected completed after MarkCompleted")
	}
}
