package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e1, err := NewEvent(TypeTaskStarted, "orchestrator", map[string]int64{"task_id": 7})
	require.NoError(t, err)
	e2, err := NewEvent(TypeTaskStarted, "orchestrator", nil)
	require.NoError(t, err)

	assert.Equal(t, "task.started", e1.Subject)
	assert.JSONEq(t, `{"task_id":7}`, string(e1.Data))

	id1, err := ulid.Parse(e1.ID)
	require.NoError(t, err)
	id2, err := ulid.Parse(e2.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, id1.Compare(id2), "ids must be monotonic")
}

func TestNewEventBadPayload(t *testing.T) {
	_, err := NewEvent(TypeTaskFailed, "x", make(chan int))
	assert.Error(t, err)
}

func TestStreamsCoverEventTypes(t *testing.T) {
	subjects := map[string]bool{}
	for _, s := range Streams() {
		for _, sub := range s.Subjects {
			subjects[sub] = true
		}
	}
	for _, typ := range []string{TypeApplySubmitted, TypeTaskRetried, TypeReportFailed} {
		prefix, _, _ := strings.Cut(typ, ".")
		assert.True(t, subjects[prefix+".>"], typ)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var p Publisher = &r
	p.Emit(context.Background(), TypeApplySubmitted, "registry", map[string]string{"domain": "example.com"})
	p.Emit(context.Background(), TypeApplyAudited, "registry", nil)

	assert.Equal(t, []string{TypeApplySubmitted, TypeApplyAudited}, r.Types())
	var payload map[string]string
	require.NoError(t, json.Unmarshal(r.Events()[0].Data, &payload))
	assert.Equal(t, "example.com", payload["domain"])
}

func TestRecorderListen(t *testing.T) {
	var r Recorder
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	require.NoError(t, r.Listen(ctx, TypeTaskCancelled, func(e *Event) error {
		got = append(got, e.ID)
		return nil
	}))
	r.Emit(ctx, TypeTaskCancelled, "orchestrator", map[string]int64{"id": 3})
	r.Emit(ctx, TypeTaskStarted, "orchestrator", nil)
	require.Len(t, got, 1)

	cancel()
	r.Emit(context.Background(), TypeTaskCancelled, "orchestrator", map[string]int64{"id": 4})
	assert.Len(t, got, 1)
	assert.Len(t, r.Events(), 3)
}
