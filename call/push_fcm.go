package call

import (
	"context"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/pkg/errors"

	calling "github.com/murmurtalk/calling"
)

// Data message types understood by the mobile clients.
const (
	pushTypeCall       = "call"
	pushTypeCallCancel = "call_cancel"
)

// A DeviceTokenSource resolves the registered push tokens of a user's
// devices. Token registration itself lives with the account layer.
type DeviceTokenSource interface {
	TokensForUser(ctx context.Context, userID string) ([]string, error)
}

// An FCMDispatcher is a PushDispatcher backed by Firebase Cloud Messaging,
// sending high priority data messages so clients can present incoming calls
// from the background.
type FCMDispatcher struct {
	client *messaging.Client
	tokens DeviceTokenSource
	logger calling.ZapCompatibleLogger
}

// NewFCMDispatcher returns a PushDispatcher using the given Firebase app's
// messaging service.
func NewFCMDispatcher(
	ctx context.Context,
	app *firebase.App,
	tokens DeviceTokenSource,
	logger calling.ZapCompatibleLogger,
) (*FCMDispatcher, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get messaging client")
	}
	return &FCMDispatcher{client: client, tokens: tokens, logger: logger}, nil
}

// SendCallInvite notifies every device of the given user about an incoming
// call.
func (d *FCMDispatcher) SendCallInvite(ctx context.Context, userID string, invite CallInvitePush) error {
	return d.sendToUser(ctx, userID, nil, map[string]string{
		"type":          pushTypeCall,
		"call_id":       invite.CallID,
		"call_type":     string(invite.CallType),
		"from_user_id":  invite.FromUserID,
		"from_username": invite.FromUsername,
	})
}

// CancelOtherDevices tells the user's devices other than the one holding
// acceptedToken to stop presenting the given call.
func (d *FCMDispatcher) CancelOtherDevices(ctx context.Context, userID, callID, acceptedToken string) error {
	exclude := map[string]bool{acceptedToken: true}
	return d.sendToUser(ctx, userID, exclude, map[string]string{
		"type":    pushTypeCallCancel,
		"call_id": callID,
	})
}

func (d *FCMDispatcher) sendToUser(
	ctx context.Context,
	userID string,
	exclude map[string]bool,
	data map[string]string,
) error {
	tokens, err := d.tokens.TokensForUser(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "failed to resolve device tokens")
	}
	var targets []string
	for _, token := range tokens {
		if exclude[token] {
			continue
		}
		targets = append(targets, token)
	}
	if len(targets) == 0 {
		return nil
	}

	resp, err := d.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: targets,
		Data:   data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":  "10",
				"apns-push-type": "alert",
			},
		},
	})
	if err != nil {
		return err
	}
	if resp.FailureCount != 0 {
		// Stale tokens fail routinely; the token registry prunes them on its
		// own schedule.
		d.logger.Warnw("some call push deliveries failed",
			"user_id", userID, "failures", resp.FailureCount, "successes", resp.SuccessCount)
	}
	return nil
}
