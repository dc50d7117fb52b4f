package call

import "context"

// A CallInvitePush is the payload delivered to a callee's devices when a call
// is placed. It carries just enough for the device to present the incoming
// call and subscribe to the call document.
type CallInvitePush struct {
	CallID       string
	CallType     CallType
	FromUserID   string
	FromUsername string
}

// A PushDispatcher delivers out-of-band notifications to a user's devices.
// Delivery is best effort everywhere it is used; calls stay reachable through
// the signaling store regardless.
type PushDispatcher interface {
	// SendCallInvite notifies every device of the given user about an
	// incoming call.
	SendCallInvite(ctx context.Context, userID string, invite CallInvitePush) error

	// CancelOtherDevices tells the user's devices other than the one holding
	// acceptedToken to stop presenting the given call.
	CancelOtherDevices(ctx context.Context, userID, callID, acceptedToken string) error
}
