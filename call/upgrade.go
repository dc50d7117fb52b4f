package call

// upgradeEvent is what a record observation distilled down to for the video
// upgrade negotiation: at most one prompt for the responder and at most one
// resolution for the requester.
type upgradeEvent struct {
	// prompt is set when the peer issued a new upgrade request this device
	// has not reacted to yet.
	prompt *VideoUpgrade
	// resolved is set when a response arrived for this device's outstanding
	// request.
	resolved *VideoUpgrade
}

// An upgradeNegotiator tracks which video upgrade requests and responses have
// already been reacted to. Record deliveries are at least once and carry full
// state, so reactions are edge triggered on the request sequence number: each
// Seq prompts at most once and resolves at most once.
type upgradeNegotiator struct {
	selfID string

	// lastSeenSeq is the highest peer request sequence already prompted.
	lastSeenSeq int64
	// pendingSeq is the sequence of this device's outstanding request, zero
	// when none.
	pendingSeq int64
	// resolvedSeq is the highest own request sequence already resolved.
	resolvedSeq int64
	// highestSeq tracks the top of the sequence space for issuing the next
	// request.
	highestSeq int64
}

func newUpgradeNegotiator(selfID string) *upgradeNegotiator {
	return &upgradeNegotiator{selfID: selfID}
}

// observe digests one record delivery into the reactions it warrants.
// Redelivered state produces no reactions.
func (n *upgradeNegotiator) observe(upgrade VideoUpgrade) upgradeEvent {
	if upgrade.Seq > n.highestSeq {
		n.highestSeq = upgrade.Seq
	}

	var event upgradeEvent
	switch upgrade.State {
	case VideoUpgradeNone:
	case VideoUpgradeRequested:
		if upgrade.From != n.selfID && upgrade.Seq > n.lastSeenSeq {
			n.lastSeenSeq = upgrade.Seq
			value := upgrade
			event.prompt = &value
		}
	case VideoUpgradeAccepted, VideoUpgradeDeclined:
		if n.pendingSeq != 0 && upgrade.Seq == n.pendingSeq && upgrade.Seq > n.resolvedSeq {
			n.resolvedSeq = upgrade.Seq
			n.pendingSeq = 0
			value := upgrade
			event.resolved = &value
		}
	}
	return event
}

// nextRequest mints the upgrade request to write for a new request from this
// device. It fails the caller's expectation silently if one is already
// outstanding; callers check pending() first.
func (n *upgradeNegotiator) nextRequest() VideoUpgrade {
	n.highestSeq++
	n.pendingSeq = n.highestSeq
	return VideoUpgrade{
		State: VideoUpgradeRequested,
		Seq:   n.highestSeq,
		From:  n.selfID,
	}
}

// pending reports whether this device has an unresolved request outstanding.
func (n *upgradeNegotiator) pending() bool {
	return n.pendingSeq != 0
}

// response mints the response resolving the most recently prompted peer
// request.
func (n *upgradeNegotiator) response(state VideoUpgradeState) VideoUpgrade {
	return VideoUpgrade{
		State: state,
		Seq:   n.lastSeenSeq,
		From:  n.selfID,
	}
}
