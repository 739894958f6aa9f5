package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNotifyTask(t *testing.T) {
	task, err := NewNotifyTask(NotifyPayload{InstanceID: "case-1", SignerID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, NotifySignerTask, task.Type())
	assert.JSONEq(t, `{"instance_id":"case-1","signer_id":"s2"}`, string(task.Payload()))

	var back NotifyPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, "s2", back.SignerID)
}
