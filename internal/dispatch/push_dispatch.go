package dispatch

import (
	"context"
	"errors"
)

// FallbackNotifier tries the live websocket first and falls back to push.
// Either side may be nil.
type FallbackNotifier struct {
	WS   *WSRegistry
	Push Notifier
}

func NewFallbackNotifier(ws *WSRegistry, push Notifier) *FallbackNotifier {
	return &FallbackNotifier{WS: ws, Push: push}
}

func (f *FallbackNotifier) Send(ctx context.Context, deviceToken string, msg Message) error {
	var wsErr error
	if f.WS != nil {
		if wsErr = f.WS.Send(ctx, deviceToken, msg); wsErr == nil {
			return nil
		}
	}
	if f.Push == nil {
		if wsErr == nil {
			wsErr = ErrNoSession
		}
		return wsErr
	}
	if err := f.Push.Send(ctx, deviceToken, msg); err != nil {
		return errors.Join(wsErr, err)
	}
	return nil
}
