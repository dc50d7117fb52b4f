package call

import (
	"testing"

	"go.viam.com/test"
)

func TestUpgradeNegotiatorPromptsOncePerRequest(t *testing.T) {
	neg := newUpgradeNegotiator("bob")

	request := VideoUpgrade{State: VideoUpgradeRequested, Seq: 1, From: "alice"}
	event := neg.observe(request)
	test.That(t, event.prompt, test.ShouldNotBeNil)
	test.That(t, event.prompt.Seq, test.ShouldEqual, 1)

	// at-least-once redelivery of the same state must not re-prompt
	event = neg.observe(request)
	test.That(t, event.prompt, test.ShouldBeNil)
	event = neg.observe(request)
	test.That(t, event.prompt, test.ShouldBeNil)

	// a later request prompts again
	event = neg.observe(VideoUpgrade{State: VideoUpgradeRequested, Seq: 2, From: "alice"})
	test.That(t, event.prompt, test.ShouldNotBeNil)
	test.That(t, event.prompt.Seq, test.ShouldEqual, 2)
}

func TestUpgradeNegotiatorIgnoresOwnRequest(t *testing.T) {
	neg := newUpgradeNegotiator("alice")

	request := neg.nextRequest()
	test.That(t, request.State, test.ShouldEqual, VideoUpgradeRequested)
	test.That(t, request.From, test.ShouldEqual, "alice")
	test.That(t, neg.pending(), test.ShouldBeTrue)

	// observing our own request echoed back is not a prompt
	event := neg.observe(request)
	test.That(t, event.prompt, test.ShouldBeNil)
	test.That(t, event.resolved, test.ShouldBeNil)
}

func TestUpgradeNegotiatorResolvesOncePerResponse(t *testing.T) {
	neg := newUpgradeNegotiator("alice")

	request := neg.nextRequest()
	response := VideoUpgrade{State: VideoUpgradeAccepted, Seq: request.Seq, From: "bob"}

	event := neg.observe(response)
	test.That(t, event.resolved, test.ShouldNotBeNil)
	test.That(t, event.resolved.State, test.ShouldEqual, VideoUpgradeAccepted)
	test.That(t, neg.pending(), test.ShouldBeFalse)

	event = neg.observe(response)
	test.That(t, event.resolved, test.ShouldBeNil)
}

func TestUpgradeNegotiatorDeclineResolves(t *testing.T) {
	neg := newUpgradeNegotiator("alice")

	request := neg.nextRequest()
	event := neg.observe(VideoUpgrade{State: VideoUpgradeDeclined, Seq: request.Seq, From: "bob"})
	test.That(t, event.resolved, test.ShouldNotBeNil)
	test.That(t, event.resolved.State, test.ShouldEqual, VideoUpgradeDeclined)
	test.That(t, neg.pending(), test.ShouldBeFalse)

	// a decline is acknowledged; a fresh request afterwards gets a new
	// sequence number and prompts the peer anew
	again := neg.nextRequest()
	test.That(t, again.Seq, test.ShouldBeGreaterThan, request.Seq)
}

func TestUpgradeNegotiatorStaleResponseIgnored(t *testing.T) {
	neg := newUpgradeNegotiator("alice")

	first := neg.nextRequest()
	event := neg.observe(VideoUpgrade{State: VideoUpgradeDeclined, Seq: first.Seq, From: "bob"})
	test.That(t, event.resolved, test.ShouldNotBeNil)

	second := neg.nextRequest()
	// a redelivered response for the first request must not resolve the second
	event = neg.observe(VideoUpgrade{State: VideoUpgradeDeclined, Seq: first.Seq, From: "bob"})
	test.That(t, event.resolved, test.ShouldBeNil)
	test.That(t, neg.pending(), test.ShouldBeTrue)

	event = neg.observe(VideoUpgrade{State: VideoUpgradeAccepted, Seq: second.Seq, From: "bob"})
	test.That(t, event.resolved, test.ShouldNotBeNil)
}

func TestUpgradeNegotiatorResponderSeqTracksRequest(t *testing.T) {
	neg := newUpgradeNegotiator("bob")

	event := neg.observe(VideoUpgrade{State: VideoUpgradeRequested, Seq: 3, From: "alice"})
	test.That(t, event.prompt, test.ShouldNotBeNil)

	response := neg.response(VideoUpgradeAccepted)
	test.That(t, response.Seq, test.ShouldEqual, 3)
	test.That(t, response.From, test.ShouldEqual, "bob")
}
