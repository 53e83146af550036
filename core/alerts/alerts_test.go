// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package alerts_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/wardenhq/warden/core/alerts"
	coretesting "github.com/wardenhq/warden/testing"
)

type HubSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&HubSuite{})

func (s *HubSuite) TestPublishDelivers(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	hub := alerts.NewHub(clk)

	received := make(chan alerts.Event, 1)
	unsubscribe := hub.Subscribe(func(event alerts.Event) {
		received <- event
	})
	defer unsubscribe()

	hub.Publish(alerts.Event{
		Severity:  alerts.SeverityCritical,
		Subsystem: "snapshotter",
		Message:   "boom",
	})

	select {
	case event := <-received:
		c.Check(event.Severity, gc.Equals, alerts.SeverityCritical)
		c.Check(event.Subsystem, gc.Equals, "snapshotter")
		c.Check(event.Message, gc.Equals, "boom")
		c.Check(event.Timestamp.Equal(clk.Now()), jc.IsTrue)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("alert event never delivered")
	}
}

func (s *HubSuite) TestPublishKeepsExplicitTimestamp(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	hub := alerts.NewHub(clk)

	received := make(chan alerts.Event, 1)
	unsubscribe := hub.Subscribe(func(event alerts.Event) {
		received <- event
	})
	defer unsubscribe()

	stamp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	hub.Publish(alerts.Event{Severity: alerts.SeverityWarning, Timestamp: stamp})

	select {
	case event := <-received:
		c.Check(event.Timestamp.Equal(stamp), jc.IsTrue)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("alert event never delivered")
	}
}

func (s *HubSuite) TestUnsubscribeStopsDelivery(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	hub := alerts.NewHub(clk)

	received := make(chan alerts.Event, 1)
	unsubscribe := hub.Subscribe(func(event alerts.Event) {
		received <- event
	})
	unsubscribe()

	hub.Publish(alerts.Event{Severity: alerts.SeverityWarning, Message: "after unsubscribe"})

	select {
	case event := <-received:
		c.Fatalf("unexpected delivery: %+v", event)
	case <-time.After(coretesting.ShortWait):
	}
}

func (s *HubSuite) TestRecorder(c *gc.C) {
	var recorder alerts.Recorder
	recorder.Publish(alerts.Event{Message: "one"})
	recorder.Publish(alerts.Event{Message: "two"})

	events := recorder.Events()
	c.Assert(events, gc.HasLen, 2)
	c.Check(events[0].Message, gc.Equals, "one")
	c.Check(events[1].Message, gc.Equals, "two")

	// The returned slice is a copy.
	events[0].Message = "mutated"
	c.Check(recorder.Events()[0].Message, gc.Equals, "one")
}
