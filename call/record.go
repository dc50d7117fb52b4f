// Package call implements the signaling core of a two-party calling system:
// call invitations, offer/answer/ICE relay through a shared call document plus
// per-role candidate logs, multi-device accept arbitration, and mid-call video
// upgrade negotiation. The document database holding the shared state is
// abstracted behind SignalingStore; the media stack behind MediaEngine.
package call

import (
	"time"

	"github.com/viamrobotics/webrtc/v3"
)

// CallType is the media mode a call was placed with. A later video upgrade
// changes the effective mode at the session layer, never this field.
type CallType string

// Supported call types.
const (
	CallTypeAudio = CallType("audio")
	CallTypeVideo = CallType("video")
)

// CallStatus is the lifecycle status of a call attempt as visible to every
// observer of the call record.
type CallStatus string

// Call statuses. Once a terminal status is visible to a reader, that reader
// must stop reacting to further updates for the call.
const (
	StatusRinging  = CallStatus("ringing")
	StatusAccepted = CallStatus("accepted")
	StatusDeclined = CallStatus("declined")
	StatusTimeout  = CallStatus("timeout")
	StatusFailed   = CallStatus("failed")
	StatusEnded    = CallStatus("ended")
)

// Terminal reports whether the status ends a call.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusDeclined, StatusTimeout, StatusFailed, StatusEnded:
		return true
	case StatusRinging, StatusAccepted:
		return false
	}
	return false
}

// Role determines which description field (offer vs. answer) and which
// candidate log a device writes to.
type Role string

// The two roles of a call.
const (
	RoleCaller = Role("caller")
	RoleCallee = Role("callee")
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// SessionDescription is an SDP blob plus its type ("offer" or "answer").
type SessionDescription struct {
	Type string `bson:"type" firestore:"type"`
	SDP  string `bson:"sdp" firestore:"sdp"`
}

// VideoUpgradeState is the state of the mid-call video upgrade negotiation.
type VideoUpgradeState string

// Video upgrade states. The zero value means no request was ever made.
const (
	VideoUpgradeNone      = VideoUpgradeState("")
	VideoUpgradeRequested = VideoUpgradeState("requested")
	VideoUpgradeAccepted  = VideoUpgradeState("accepted")
	VideoUpgradeDeclined  = VideoUpgradeState("declined")
)

// VideoUpgrade is the shared video upgrade negotiation state. Seq increases
// with every new request so that observers can react to each request exactly
// once; responses carry the Seq of the request they resolve.
type VideoUpgrade struct {
	State VideoUpgradeState `bson:"state,omitempty" firestore:"state,omitempty"`
	Seq   int64             `bson:"seq,omitempty" firestore:"seq,omitempty"`
	From  string            `bson:"from,omitempty" firestore:"from,omitempty"`
}

// A CallRecord is the shared mutable document representing one call attempt.
// All writes to it are partial-field updates so that concurrent writers never
// clobber each other's fields; each role only ever writes its own description
// field and candidate log.
type CallRecord struct {
	ID                string              `bson:"_id" firestore:"id"`
	CallerID          string              `bson:"caller_id" firestore:"callerId"`
	CalleeID          string              `bson:"callee_id" firestore:"calleeId"`
	CallerName        string              `bson:"caller_name,omitempty" firestore:"callerName,omitempty"`
	CallType          CallType            `bson:"call_type" firestore:"callType"`
	Status            CallStatus          `bson:"status" firestore:"status"`
	Offer             *SessionDescription `bson:"offer,omitempty" firestore:"offer,omitempty"`
	Answer            *SessionDescription `bson:"answer,omitempty" firestore:"answer,omitempty"`
	StartedAt         *time.Time          `bson:"started_at,omitempty" firestore:"startedAt,omitempty"`
	EndedAt           *time.Time          `bson:"ended_at,omitempty" firestore:"endedAt,omitempty"`
	VideoUpgrade      VideoUpgrade        `bson:"video_upgrade,omitempty" firestore:"videoUpgrade,omitempty"`
	ActiveDeviceToken string              `bson:"active_device_token,omitempty" firestore:"activeDeviceToken,omitempty"`
	CalleeStatus      CallStatus          `bson:"callee_status,omitempty" firestore:"calleeStatus,omitempty"`
	CreatedAt         time.Time           `bson:"created_at" firestore:"createdAt"`
	UpdatedAt         time.Time           `bson:"updated_at" firestore:"updatedAt"`
}

// Field names shared by the store implementations and the partial updates the
// session and invitation layers issue.
const (
	callIDField                = "_id"
	callCallerIDField          = "caller_id"
	callCalleeIDField          = "callee_id"
	callCallerNameField        = "caller_name"
	callTypeField              = "call_type"
	callStatusField            = "status"
	callOfferField             = "offer"
	callAnswerField            = "answer"
	callStartedAtField         = "started_at"
	callEndedAtField           = "ended_at"
	callVideoUpgradeField      = "video_upgrade"
	callActiveDeviceTokenField = "active_device_token"
	callCalleeStatusField      = "callee_status"
	callCreatedAtField         = "created_at"
	callUpdatedAtField         = "updated_at"
	callCallerCandidatesField  = "caller_candidates"
	callCalleeCandidatesField  = "callee_candidates"
)

func candidatesFieldForRole(role Role) string {
	if role == RoleCaller {
		return callCallerCandidatesField
	}
	return callCalleeCandidatesField
}

// Terminal reports whether the record has reached a state after which no
// further transitions are meaningful.
func (r *CallRecord) Terminal() bool {
	return r.EndedAt != nil || r.Status.Terminal()
}

// DescriptionForRole returns the description the given role is responsible
// for writing.
func (r *CallRecord) DescriptionForRole(role Role) *SessionDescription {
	if role == RoleCaller {
		return r.Offer
	}
	return r.Answer
}

// An ICECandidate is one entry of a per-role append-only candidate log.
// Entries are never updated or deleted.
type ICECandidate struct {
	Candidate     string    `bson:"candidate" firestore:"candidate"`
	SDPMid        string    `bson:"sdp_mid" firestore:"sdpMid"`
	SDPMLineIndex uint16    `bson:"sdp_m_line_index" firestore:"sdpMLineIndex"`
	CreatedAt     time.Time `bson:"created_at" firestore:"createdAt"`
}

func iceCandidateFromInit(i webrtc.ICECandidateInit, at time.Time) ICECandidate {
	candidate := ICECandidate{
		Candidate: i.Candidate,
		CreatedAt: at,
	}
	if i.SDPMid != nil {
		candidate.SDPMid = *i.SDPMid
	}
	if i.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = *i.SDPMLineIndex
	}
	return candidate
}

func (c ICECandidate) toInit() webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{
		Candidate: c.Candidate,
	}
	if c.SDPMid != "" {
		val := c.SDPMid
		init.SDPMid = &val
	}
	val := c.SDPMLineIndex
	init.SDPMLineIndex = &val
	return init
}

// A CallSummary is the projection of a call record the UI layer consumes. It
// is derivable without any protocol-specific knowledge; offer/answer and the
// candidate logs never leave this package.
type CallSummary struct {
	ID              string
	Status          CallStatus
	CallType        CallType
	PeerDisplayName string
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Summarize projects the record for a given viewer. The peer display name is
// resolved by the caller since identity lookup is outside this package.
func (r *CallRecord) Summarize(peerDisplayName string) CallSummary {
	return CallSummary{
		ID:              r.ID,
		Status:          r.Status,
		CallType:        r.CallType,
		PeerDisplayName: peerDisplayName,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
	}
}
