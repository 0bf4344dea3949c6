package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(role Role) *Dispatcher {
	logger, _ := zap.NewDevelopment()

	return NewDispatcher(role, logger)
}

func TestDispatchTargetingFilter(t *testing.T) {
	d := newTestDispatcher(RoleStream)

	var received []string
	d.RegisterHandler(TypeControl, func(envelope Envelope) error {
		received = append(received, string(envelope.Target))
		return nil
	})

	// Addressed to another role: dropped before any handler runs.
	d.Dispatch(NewControlMessage(RoleMain, Target(RoleMain), ControlPayload{Command: ControlCommandPlay}))
	assert.Empty(t, received)

	// Own role, "all" and absent all pass the filter.
	d.Dispatch(NewControlMessage(RoleMain, Target(RoleStream), ControlPayload{Command: ControlCommandPlay}))
	d.Dispatch(NewControlMessage(RoleMain, TargetAll, ControlPayload{Command: ControlCommandPause}))
	d.Dispatch(NewControlMessage(RoleMain, "", ControlPayload{Command: ControlCommandStop}))

	assert.Equal(t, []string{"stream", "all", ""}, received)
}

func TestDispatchRegistrationOrder(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	var order []int
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		order = append(order, 1)
		return nil
	})
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		order = append(order, 2)
		return nil
	})
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		order = append(order, 3)
		return nil
	})

	d.Dispatch(NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventAppReady}))

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDispatchHandlerFailureIsolation(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	var errEvents []error
	var errEnvelopes []*Envelope
	d.AddListener(&Listener{
		OnError: func(err error, envelope *Envelope) {
			errEvents = append(errEvents, err)
			errEnvelopes = append(errEnvelopes, envelope)
		},
	})

	var secondRan, otherTypeRan bool
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		return errors.New("boom")
	})
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		secondRan = true
		return nil
	})
	d.RegisterHandler(TypeControl, func(Envelope) error {
		otherTypeRan = true
		return nil
	})

	envelope := NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventError})
	d.Dispatch(envelope)
	d.Dispatch(NewControlMessage(RoleStream, TargetAll, ControlPayload{Command: ControlCommandNext}))

	assert.True(t, secondRan)
	assert.True(t, otherTypeRan)

	require.Len(t, errEvents, 1)
	assert.True(t, IsCode(errEvents[0], ErrorCodeHandler))
	require.NotNil(t, errEnvelopes[0])
	assert.Equal(t, envelope.ID, errEnvelopes[0].ID)
}

func TestDispatchHandlerPanicIsolation(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	var errCount int
	d.AddListener(&Listener{
		OnError: func(err error, envelope *Envelope) {
			errCount++
		},
	})

	var secondRan bool
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		panic("handler exploded")
	})
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		secondRan = true
		return nil
	})

	d.Dispatch(NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventError}))

	assert.True(t, secondRan)
	assert.Equal(t, 1, errCount)
}

func TestUnregisterHandler(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	var firstCount, secondCount int
	id := d.RegisterHandler(TypeSystem, func(Envelope) error {
		firstCount++
		return nil
	})
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		secondCount++
		return nil
	})

	d.Dispatch(NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventAppReady}))

	d.UnregisterHandler(TypeSystem, id)
	d.Dispatch(NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventAppReady}))

	assert.Equal(t, 1, firstCount)
	assert.Equal(t, 2, secondCount)
}

func TestListenerMessageNotification(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	var messages []Envelope
	d.AddListener(&Listener{
		OnMessage: func(envelope Envelope) {
			messages = append(messages, envelope)
		},
	})

	// OnMessage fires exactly once per dispatched envelope, even with no
	// handler registered for the type.
	envelope := NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventAppReady})
	d.Dispatch(envelope)

	require.Len(t, messages, 1)
	assert.Equal(t, envelope.ID, messages[0].ID)

	// Dropped envelopes never reach listeners either.
	d.Dispatch(NewSystemMessage(RoleStream, Target(RoleUnified), SystemPayload{Event: SystemEventAppReady}))
	assert.Len(t, messages, 1)
}

func TestRemoveListener(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	var count int
	listener := &Listener{
		OnMessage: func(Envelope) {
			count++
		},
	}
	d.AddListener(listener)

	d.Dispatch(NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventAppReady}))
	d.RemoveListener(listener)
	d.Dispatch(NewSystemMessage(RoleStream, TargetAll, SystemPayload{Event: SystemEventAppReady}))

	assert.Equal(t, 1, count)
}

func TestDispatchIsSerialized(t *testing.T) {
	d := newTestDispatcher(RoleMain)

	// The counter is deliberately unsynchronized: handlers are entitled
	// to sequential delivery and must never observe concurrent dispatch.
	var count int
	d.RegisterHandler(TypeSystem, func(Envelope) error {
		count++
		return nil
	})

	envelope := NewSystemMessage(RoleStream, TargetAll, SystemPayload{
		Event: SystemEventAppReady,
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 25; j++ {
				d.Dispatch(envelope)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, count)
}
