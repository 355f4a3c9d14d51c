package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tolelom/poschain/logging"
)

func TestEmitDeliversByType(t *testing.T) {
	e := NewEmitter(logging.Discard())
	var commits, finals []Event
	e.Subscribe(EventBlockCommit, func(ev Event) { commits = append(commits, ev) })
	e.Subscribe(EventBlockFinalized, func(ev Event) { finals = append(finals, ev) })

	e.Emit(Event{Type: EventBlockCommit, BlockHeight: 1})
	e.Emit(Event{Type: EventBlockCommit, BlockHeight: 2})
	e.Emit(Event{Type: EventReorg})

	assert.Len(t, commits, 2)
	assert.Equal(t, uint64(2), commits[1].BlockHeight)
	assert.Empty(t, finals)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	e := NewEmitter(logging.Discard())
	called := false
	e.Subscribe(EventTxExecuted, func(Event) { panic("boom") })
	e.Subscribe(EventTxExecuted, func(Event) { called = true })

	assert.NotPanics(t, func() { e.Emit(Event{Type: EventTxExecuted}) })
	assert.True(t, called)
}
